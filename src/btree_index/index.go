package btreeindex

import (
	"bytes"
	"sort"
	"sync"

	"driftdb/src/dberr"

	"go.uber.org/zap"
)

// DefaultMemoryLimit bounds the in-memory batch of a single index build
// before the sorter spills runs to disk.
const DefaultMemoryLimit = 16 * 1024 * 1024

// Source supplies documents for index builds. ScanFields emits the value
// of one field for every live document that has it.
type Source interface {
	LastSequence() uint64
	ScanFields(field string, emit func(value interface{}, docID string, sequence uint64) error) error
}

// Match is one index hit.
type Match struct {
	DocID    string
	Sequence uint64
}

// Index is a sorted index over one document field. Entries are ordered by
// encoded key bytes, then document ID.
type Index struct {
	field         string
	entries       []IndexTuple
	builtSequence uint64
}

// Field returns the document field this index covers.
func (idx *Index) Field() string { return idx.field }

// BuiltSequence returns the collection sequence the index was built at.
func (idx *Index) BuiltSequence() uint64 { return idx.builtSequence }

// Count returns the number of indexed entries.
func (idx *Index) Count() int { return len(idx.entries) }

// Manager maintains the field indexes of one collection. Indexes are built
// by a full scan and rebuilt lazily when the collection's sequence moves
// past the index's build point.
type Manager struct {
	source   Source
	tempDir  string
	memLimit int64
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewManager creates an index manager over a document source. A zero
// memLimit uses DefaultMemoryLimit; an empty tempDir uses the system
// temporary directory for spill runs.
func NewManager(source Source, tempDir string, memLimit int64,
	logger *zap.SugaredLogger) *Manager {

	if memLimit <= 0 {
		memLimit = DefaultMemoryLimit
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		source:   source,
		tempDir:  tempDir,
		memLimit: memLimit,
		logger:   logger,
		indexes:  make(map[string]*Index),
	}
}

// CreateIndex builds an index over the given field. Creating an index that
// already exists rebuilds it.
func (m *Manager) CreateIndex(field string) error {
	if field == "" {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"index field must not be empty")
	}
	idx, err := m.build(field)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.indexes[field] = idx
	m.mu.Unlock()
	m.logger.Infof("Built index on %q: %d entries at sequence %d",
		field, idx.Count(), idx.builtSequence)
	return nil
}

// ListIndexes returns the indexed field names in sorted order.
func (m *Manager) ListIndexes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.indexes))
	for field := range m.indexes {
		names = append(names, field)
	}
	sort.Strings(names)
	return names
}

// DropIndex removes the index on a field.
func (m *Manager) DropIndex(field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[field]; !ok {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"no index on field %q", field)
	}
	delete(m.indexes, field)
	return nil
}

// Search returns the documents whose field equals the given value, in
// document ID order.
func (m *Manager) Search(field string, value interface{}) ([]Match, error) {
	key, err := EncodeFieldValue(value)
	if err != nil {
		return nil, dberr.Wrap(err, dberr.LiteDomain, dberr.InvalidParameter,
			"cannot search index")
	}
	idx, err := m.current(field)
	if err != nil {
		return nil, err
	}
	lo := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Key, key) >= 0
	})
	hi := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Key, key) > 0
	})
	return matchesOf(idx.entries[lo:hi]), nil
}

// SearchRange returns the documents whose field falls in [min, max], both
// bounds inclusive. A nil bound leaves that side open.
func (m *Manager) SearchRange(field string, min, max interface{}) ([]Match, error) {
	idx, err := m.current(field)
	if err != nil {
		return nil, err
	}
	lo := 0
	if min != nil {
		minKey, err := EncodeFieldValue(min)
		if err != nil {
			return nil, dberr.Wrap(err, dberr.LiteDomain, dberr.InvalidParameter,
				"cannot search index")
		}
		lo = sort.Search(len(idx.entries), func(i int) bool {
			return bytes.Compare(idx.entries[i].Key, minKey) >= 0
		})
	}
	hi := len(idx.entries)
	if max != nil {
		maxKey, err := EncodeFieldValue(max)
		if err != nil {
			return nil, dberr.Wrap(err, dberr.LiteDomain, dberr.InvalidParameter,
				"cannot search index")
		}
		upper := appendUpperBound(maxKey)
		hi = sort.Search(len(idx.entries), func(i int) bool {
			return bytes.Compare(idx.entries[i].Key, upper) >= 0
		})
	}
	if lo > hi {
		lo = hi
	}
	return matchesOf(idx.entries[lo:hi]), nil
}

// current returns the up-to-date index for a field, rebuilding it first if
// the collection has moved past the index's build point.
func (m *Manager) current(field string) (*Index, error) {
	m.mu.Lock()
	idx, ok := m.indexes[field]
	m.mu.Unlock()
	if !ok {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"no index on field %q", field)
	}
	last := m.source.LastSequence()
	if last <= idx.builtSequence {
		return idx, nil
	}
	m.logger.Debugf("Index on %q is stale (built at %d, collection at %d), rebuilding",
		field, idx.builtSequence, last)
	rebuilt, err := m.build(field)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.indexes[field] = rebuilt
	m.mu.Unlock()
	return rebuilt, nil
}

// build scans the source and produces a fresh sorted index.
func (m *Manager) build(field string) (*Index, error) {
	builtAt := m.source.LastSequence()
	sorter := NewTournamentSorter(m.memLimit, m.tempDir, nil)
	defer sorter.Cleanup()

	err := m.source.ScanFields(field, func(value interface{}, docID string, sequence uint64) error {
		key, err := EncodeFieldValue(value)
		if err != nil {
			// Unindexable value kinds (arrays, nested maps) are skipped,
			// matching the scalar-only key encoding.
			return nil
		}
		return sorter.Add(key, docID, sequence)
	})
	if err != nil {
		return nil, err
	}

	it, err := sorter.Sort()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var entries []IndexTuple
	for {
		tuple, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, tuple)
	}
	return &Index{field: field, entries: entries, builtSequence: builtAt}, nil
}

func matchesOf(entries []IndexTuple) []Match {
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, Match{DocID: e.DocID, Sequence: e.Sequence})
	}
	return matches
}

// appendUpperBound returns the smallest key strictly greater than the given
// encoded key, so inclusive max bounds cover all entries that share the
// exact key bytes. Longer keys that merely start with those bytes sort
// above the bound.
func appendUpperBound(key []byte) []byte {
	upper := make([]byte, len(key)+1)
	copy(upper, key)
	upper[len(key)] = 0x00
	return upper
}
