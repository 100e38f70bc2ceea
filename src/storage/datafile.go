package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"driftdb/src/buffermgr"
	"driftdb/src/dberr"
	"driftdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultEngineName selects the engine used when none is named.
const DefaultEngineName = "driftstore"

const driftFileExtension = ".drift"

// MaintenanceType names a maintenance operation on a data file.
type MaintenanceType int

const (
	MaintenanceCompact MaintenanceType = iota
	MaintenanceIntegrityCheck
)

// walRecord is one mutation inside a journal entry.
type walRecord struct {
	Store      string `bson:"store"`
	Key        string `bson:"key"`
	Flags      int32  `bson:"flags"`
	Body       []byte `bson:"body"`
	Sequence   int64  `bson:"sequence"`
	Expiration int64  `bson:"expiration"`
	Purge      bool   `bson:"purge,omitempty"`
}

type walStoreDef struct {
	Name        string `bson:"name"`
	NoSequences bool   `bson:"noSequences"`
}

// walEntry is the unit appended to the journal for every commit.
type walEntry struct {
	CreatedStores []walStoreDef    `bson:"createdStores,omitempty"`
	DeletedStores []string         `bson:"deletedStores,omitempty"`
	Ops           []walRecord      `bson:"ops,omitempty"`
	LastSequences map[string]int64 `bson:"lastSequences,omitempty"`
}

// sharedStore is the per-path state shared by every open handle on the same
// data file. mu guards the committed key-store maps; txnMu serializes
// writers so at most one exclusive transaction is open at a time.
type sharedStore struct {
	mu    sync.RWMutex
	txnMu sync.Mutex

	path    string
	encKey  []byte
	stores  map[string]*keyStoreData
	journal *Journal

	refs      int
	listeners map[*DataFile]func(changedStores []string)

	pool  *buffermgr.BufferPool
	files *buffermgr.FileRegistry

	logger *zap.SugaredLogger
}

var (
	sharedMu     sync.Mutex
	sharedStores = make(map[string]*sharedStore)
)

// openShared returns the shared state for a path, loading the snapshot and
// replaying the journal on first open.
func openShared(path string, opts *OpenOptions) (*sharedStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve data file path %s: %w", path, err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if s, ok := sharedStores[abs]; ok {
		s.refs++
		return s, nil
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		if !opts.Create {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.NotOpen,
				"no data file at %s", abs)
		}
		if err := writeSnapshot(abs, opts.EncryptionKey, map[string]*keyStoreData{}); err != nil {
			return nil, err
		}
	}

	stores, err := loadSnapshot(abs, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	s := &sharedStore{
		path:      abs,
		encKey:    opts.EncryptionKey,
		stores:    stores,
		refs:      1,
		listeners: make(map[*DataFile]func([]string)),
		files:     buffermgr.NewFileRegistry(logger),
		logger:    logger,
	}
	s.pool = buffermgr.NewBufferPool(buffermgr.DefaultBufferPoolSize, buffermgr.DefaultPageSize, s.files, logger)

	if err := s.replayJournal(); err != nil {
		s.pool.ShutDown()
		return nil, err
	}

	journal, err := OpenJournal(abs)
	if err != nil {
		s.pool.ShutDown()
		return nil, err
	}
	s.journal = journal

	// Fold replayed entries back into the snapshot so the journal does not
	// grow without bound across restarts.
	if s.journal.Size() > 0 {
		if err := s.checkpointLocked(); err != nil {
			logger.Warnf("Could not checkpoint journal for %s on open: %v", abs, err)
		}
	}

	sharedStores[abs] = s
	return s, nil
}

// replayJournal applies every complete journal entry to the in-memory
// stores. Called before the journal is opened for appending.
func (s *sharedStore) replayJournal() error {
	entries, err := ReadEntries(s.path+walSuffix, s.pool, s.files)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		payload := raw
		if s.encKey != nil {
			payload, err = openPayload(s.encKey, raw)
			if err != nil {
				return err
			}
		}
		var entry walEntry
		if err := bson.Unmarshal(payload, &entry); err != nil {
			return dberr.Wrap(err, dberr.FleeceDomain, dberr.WrongFormat,
				"cannot decode journal entry")
		}
		s.applyEntry(&entry)
	}
	return nil
}

// applyEntry folds one journal entry into the committed store maps. The
// caller must hold mu or have exclusive access during open.
func (s *sharedStore) applyEntry(entry *walEntry) {
	for _, def := range entry.CreatedStores {
		if _, ok := s.stores[def.Name]; !ok {
			s.stores[def.Name] = &keyStoreData{
				name:        def.Name,
				noSequences: def.NoSequences,
				recs:        make(map[string]models.Record),
			}
		}
	}
	for _, name := range entry.DeletedStores {
		delete(s.stores, name)
	}
	for _, op := range entry.Ops {
		data := s.stores[op.Store]
		if data == nil {
			data = &keyStoreData{name: op.Store, recs: make(map[string]models.Record)}
			s.stores[op.Store] = data
		}
		if op.Purge {
			delete(data.recs, op.Key)
			continue
		}
		data.recs[op.Key] = models.Record{
			Key:        op.Key,
			Flags:      models.RecordFlags(op.Flags),
			Body:       op.Body,
			Sequence:   uint64(op.Sequence),
			Expiration: op.Expiration,
		}
	}
	for name, seq := range entry.LastSequences {
		if data := s.stores[name]; data != nil && uint64(seq) > data.lastSequence {
			data.lastSequence = uint64(seq)
		}
	}
}

// checkpointLocked rewrites the snapshot from the committed state and
// truncates the journal. The caller must hold txnMu or be the sole owner.
func (s *sharedStore) checkpointLocked() error {
	s.mu.RLock()
	err := writeSnapshot(s.path, s.encKey, s.stores)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.journal.Reset()
}

// release drops one handle reference and tears the shared state down when
// the last handle closes.
func (s *sharedStore) release() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(sharedStores, s.path)

	var err error
	if s.journal.Size() > 0 {
		err = multierr.Append(err, s.checkpointLocked())
	}
	err = multierr.Append(err, s.journal.Close())
	s.pool.ShutDown()
	return err
}

// notifyCommit fans out the names of changed key-stores to every handle on
// this file except the one that committed. Called without mu held.
func (s *sharedStore) notifyCommit(committer *DataFile, changed []string) {
	if len(changed) == 0 {
		return
	}
	s.mu.RLock()
	fns := make([]func([]string), 0, len(s.listeners))
	for df, fn := range s.listeners {
		if df != committer && fn != nil {
			fns = append(fns, fn)
		}
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(changed)
	}
}

// DataFile is one open handle on a drift data file. Handles on the same
// path share committed state; each handle has its own open transaction and
// key-store views.
type DataFile struct {
	engineName string
	path       string
	shared     *sharedStore

	// useMu serializes UseLocked critical sections against each other.
	// It is never taken by the read or commit paths.
	useMu sync.Mutex

	mu       sync.Mutex
	wrappers map[string]*KeyStore
	activeTxn *ExclusiveTransaction
	readOnly bool
	closed   bool

	logger *zap.SugaredLogger
}

func newDataFile(engineName, path string, opts *OpenOptions) (*DataFile, error) {
	shared, err := openShared(path, opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DataFile{
		engineName: engineName,
		path:       shared.path,
		shared:     shared,
		wrappers:   make(map[string]*KeyStore),
		readOnly:   opts.ReadOnly,
		logger:     logger,
	}, nil
}

func (df *DataFile) Path() string       { return df.path }
func (df *DataFile) EngineName() string { return df.engineName }
func (df *DataFile) ReadOnly() bool     { return df.readOnly }

func (df *DataFile) checkOpen() error {
	if df.closed {
		return dberr.Newf(dberr.LiteDomain, dberr.NotOpen, "data file %s is closed", df.path)
	}
	return nil
}

// currentTransaction returns this handle's open transaction, or nil.
func (df *DataFile) currentTransaction() *ExclusiveTransaction {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.activeTxn
}

// GetKeyStore returns a handle-scoped view of a named key-store, creating
// the store on first use. Creation is durable immediately.
func (df *DataFile) GetKeyStore(name string, withSequences bool) (*KeyStore, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.closed {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.NotOpen, "data file %s is closed", df.path)
	}
	if ks, ok := df.wrappers[name]; ok {
		return ks, nil
	}

	s := df.shared
	s.mu.Lock()
	data := s.stores[name]
	created := false
	if data == nil {
		if df.readOnly {
			s.mu.Unlock()
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"key-store %q does not exist in read-only data file", name)
		}
		data = &keyStoreData{
			name:        name,
			noSequences: !withSequences,
			recs:        make(map[string]models.Record),
		}
		s.stores[name] = data
		created = true
	}
	noSequences := data.noSequences
	s.mu.Unlock()

	if created {
		entry := walEntry{CreatedStores: []walStoreDef{{Name: name, NoSequences: noSequences}}}
		if err := s.appendEntry(&entry); err != nil {
			return nil, err
		}
	}

	ks := &KeyStore{df: df, name: name, noSequences: noSequences}
	df.wrappers[name] = ks
	return ks, nil
}

// HasKeyStore reports whether a named key-store exists.
func (df *DataFile) HasKeyStore(name string) bool {
	s := df.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok
}

// KeyStoreNames returns the names of all key-stores in the file.
func (df *DataFile) KeyStoreNames() []string {
	s := df.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stores))
	for name := range s.stores {
		out = append(out, name)
	}
	return out
}

// DeleteKeyStore removes a key-store and all of its records.
func (df *DataFile) DeleteKeyStore(name string) error {
	if err := df.checkOpen(); err != nil {
		return err
	}
	if df.readOnly {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"cannot delete key-store %q from read-only data file", name)
	}
	s := df.shared
	s.mu.Lock()
	delete(s.stores, name)
	s.mu.Unlock()

	df.mu.Lock()
	delete(df.wrappers, name)
	df.mu.Unlock()

	return s.appendEntry(&walEntry{DeletedStores: []string{name}})
}

// appendEntry seals (when keyed) and appends one entry to the journal.
func (s *sharedStore) appendEntry(entry *walEntry) error {
	payload, err := bson.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error encoding journal entry: %w", err)
	}
	if s.encKey != nil {
		payload, err = sealPayload(s.encKey, payload)
		if err != nil {
			return err
		}
	}
	return s.journal.Append(payload)
}

// BeginTransaction opens the file's single exclusive transaction, blocking
// until any other handle's transaction finishes.
func (df *DataFile) BeginTransaction() (*ExclusiveTransaction, error) {
	df.mu.Lock()
	if df.closed {
		df.mu.Unlock()
		return nil, dberr.Newf(dberr.LiteDomain, dberr.NotOpen, "data file %s is closed", df.path)
	}
	if df.readOnly {
		df.mu.Unlock()
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"data file %s is read-only", df.path)
	}
	if df.activeTxn != nil {
		df.mu.Unlock()
		return nil, dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"data file %s already has an open transaction", df.path)
	}
	df.mu.Unlock()

	df.shared.txnMu.Lock()

	txn := &ExclusiveTransaction{
		df:          df,
		pending:     make(map[string]map[string]*models.Record),
		pendingSeqs: make(map[string]uint64),
	}
	df.mu.Lock()
	df.activeTxn = txn
	df.mu.Unlock()
	return txn, nil
}

// InTransaction reports whether this handle has an open transaction.
func (df *DataFile) InTransaction() bool {
	return df.currentTransaction() != nil
}

// UseLocked runs fn while holding this handle's use lock. Flags written
// inside one UseLocked section are visible to every later section, which
// gives cooperating goroutines a happens-before edge without touching the
// storage locks.
func (df *DataFile) UseLocked(fn func()) {
	df.useMu.Lock()
	defer df.useMu.Unlock()
	fn()
}

// OnCommit registers a callback invoked with the names of changed
// key-stores whenever another handle on the same file commits.
func (df *DataFile) OnCommit(fn func(changedStores []string)) {
	s := df.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[df] = fn
}

// Close releases this handle. The last handle on a path checkpoints the
// journal into the snapshot.
func (df *DataFile) Close() error {
	df.mu.Lock()
	if df.closed {
		df.mu.Unlock()
		return nil
	}
	if df.activeTxn != nil {
		df.mu.Unlock()
		return dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot close data file %s with an open transaction", df.path)
	}
	df.closed = true
	df.mu.Unlock()

	s := df.shared
	s.mu.Lock()
	delete(s.listeners, df)
	s.mu.Unlock()

	return s.release()
}

// CloseAndDelete closes this handle and removes the file from disk. Fails
// when other handles are still open.
func (df *DataFile) CloseAndDelete() error {
	df.mu.Lock()
	if df.activeTxn != nil {
		df.mu.Unlock()
		return dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot delete data file %s with an open transaction", df.path)
	}
	df.mu.Unlock()

	sharedMu.Lock()
	busy := df.shared.refs > 1
	sharedMu.Unlock()
	if busy {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"data file %s is open elsewhere", df.path)
	}
	if err := df.Close(); err != nil {
		return err
	}
	return DeleteDataFileAt(df.path)
}

// DeleteDataFileAt removes a snapshot file and its journal sidecar.
func DeleteDataFileAt(path string) error {
	var err error
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, fmt.Errorf("error deleting data file %s: %w", path, rmErr))
	}
	if rmErr := os.Remove(path + walSuffix); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, fmt.Errorf("error deleting journal file %s: %w", path, rmErr))
	}
	return err
}

// Rekey re-encrypts the data file with a new key, or decrypts it when the
// key is nil. Runs with the writer lock held so no commit can interleave.
func (df *DataFile) Rekey(newKey []byte) error {
	if err := df.checkOpen(); err != nil {
		return err
	}
	if df.readOnly {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"cannot rekey read-only data file %s", df.path)
	}
	if newKey != nil && len(newKey) != 32 {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"encryption key must be 32 bytes, got %d", len(newKey))
	}

	s := df.shared
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	s.mu.Lock()
	err := writeSnapshot(s.path, newKey, s.stores)
	if err == nil {
		s.encKey = newKey
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.journal.Reset()
}

// Maintenance runs a maintenance operation. Compaction drops tombstones and
// rewrites the snapshot; integrity check verifies the snapshot decodes.
func (df *DataFile) Maintenance(kind MaintenanceType) error {
	if err := df.checkOpen(); err != nil {
		return err
	}
	s := df.shared
	switch kind {
	case MaintenanceCompact:
		if df.readOnly {
			return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"cannot compact read-only data file %s", df.path)
		}
		s.txnMu.Lock()
		defer s.txnMu.Unlock()
		s.mu.Lock()
		for _, data := range s.stores {
			for key, rec := range data.recs {
				if rec.Flags&models.RecordDeleted != 0 {
					delete(data.recs, key)
				}
			}
		}
		s.mu.Unlock()
		return s.checkpointLocked()
	case MaintenanceIntegrityCheck:
		s.mu.RLock()
		key := s.encKey
		s.mu.RUnlock()
		_, err := loadSnapshot(s.path, key)
		return err
	default:
		return dberr.Newf(dberr.LiteDomain, dberr.Unimplemented,
			"unknown maintenance type %d", kind)
	}
}

// ExclusiveTransaction stages writes for one handle until Commit folds them
// into the shared state and the journal, or Abort discards them.
type ExclusiveTransaction struct {
	df          *DataFile
	pending     map[string]map[string]*models.Record
	pendingSeqs map[string]uint64
	done        bool
}

// stagedRecord returns the staged write for a key, if any. A nil record
// with true means the key was purged in this transaction.
func (t *ExclusiveTransaction) stagedRecord(store, key string) (*models.Record, bool) {
	recs, ok := t.pending[store]
	if !ok {
		return nil, false
	}
	rec, ok := recs[key]
	return rec, ok
}

func (t *ExclusiveTransaction) stageSet(store string, rec *models.Record) {
	recs := t.pending[store]
	if recs == nil {
		recs = make(map[string]*models.Record)
		t.pending[store] = recs
	}
	recs[rec.Key] = rec
}

func (t *ExclusiveTransaction) stageDelete(store, key string) {
	recs := t.pending[store]
	if recs == nil {
		recs = make(map[string]*models.Record)
		t.pending[store] = recs
	}
	recs[key] = nil
}

// nextSequence assigns the next sequence for a store, initialized from the
// committed high-water mark on first use.
func (t *ExclusiveTransaction) nextSequence(store string) uint64 {
	seq, ok := t.pendingSeqs[store]
	if !ok {
		s := t.df.shared
		s.mu.RLock()
		if data := s.stores[store]; data != nil {
			seq = data.lastSequence
		}
		s.mu.RUnlock()
	}
	seq++
	t.pendingSeqs[store] = seq
	return seq
}

// Commit appends the staged writes to the journal, applies them to the
// shared state, and notifies sibling handles of the changed key-stores.
func (t *ExclusiveTransaction) Commit() error {
	if t.done {
		return dberr.Newf(dberr.LiteDomain, dberr.NotInTransaction, "transaction already closed")
	}
	df := t.df
	s := df.shared

	entry := walEntry{LastSequences: make(map[string]int64, len(t.pendingSeqs))}
	changed := make([]string, 0, len(t.pending))
	for store, recs := range t.pending {
		if len(recs) > 0 {
			changed = append(changed, store)
		}
		for key, rec := range recs {
			if rec == nil {
				entry.Ops = append(entry.Ops, walRecord{Store: store, Key: key, Purge: true})
				continue
			}
			entry.Ops = append(entry.Ops, walRecord{
				Store:      store,
				Key:        rec.Key,
				Flags:      int32(rec.Flags),
				Body:       rec.Body,
				Sequence:   int64(rec.Sequence),
				Expiration: rec.Expiration,
			})
		}
	}
	for store, seq := range t.pendingSeqs {
		entry.LastSequences[store] = int64(seq)
	}

	if len(entry.Ops) > 0 || len(entry.LastSequences) > 0 {
		if err := s.appendEntry(&entry); err != nil {
			t.finish()
			return err
		}
		s.mu.Lock()
		s.applyEntry(&entry)
		s.mu.Unlock()
	}

	t.finish()
	s.notifyCommit(df, changed)

	if s.journal.NeedsCheckpoint() {
		s.txnMu.Lock()
		err := s.checkpointLocked()
		s.txnMu.Unlock()
		if err != nil {
			df.logger.Warnf("Checkpoint of %s failed: %v", df.path, err)
		}
	}
	return nil
}

// Abort discards the staged writes and releases the writer lock.
func (t *ExclusiveTransaction) Abort() error {
	if t.done {
		return dberr.Newf(dberr.LiteDomain, dberr.NotInTransaction, "transaction already closed")
	}
	t.finish()
	return nil
}

func (t *ExclusiveTransaction) finish() {
	t.done = true
	df := t.df
	df.mu.Lock()
	df.activeTxn = nil
	df.mu.Unlock()
	df.shared.txnMu.Unlock()
}

// driftEngine is the built-in storage engine.
type driftEngine struct{}

func (driftEngine) Name() string          { return DefaultEngineName }
func (driftEngine) DisplayName() string   { return "DriftStore" }
func (driftEngine) FileExtension() string { return driftFileExtension }

func (e driftEngine) OpenDataFile(path string, opts *OpenOptions) (*DataFile, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	switch opts.EncryptionAlgorithm {
	case EncryptionNone:
		if len(opts.EncryptionKey) != 0 {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"encryption key given without an algorithm")
		}
	case EncryptionChaCha20Poly1305:
		if len(opts.EncryptionKey) != 32 {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"encryption key must be 32 bytes, got %d", len(opts.EncryptionKey))
		}
	default:
		return nil, dberr.Newf(dberr.LiteDomain, dberr.UnsupportedEncryption,
			"unsupported encryption algorithm %d", opts.EncryptionAlgorithm)
	}
	return newDataFile(DefaultEngineName, path, opts)
}

func (driftEngine) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (driftEngine) UpgradeDataFile(path string, opts *OpenOptions) error {
	if opts != nil && opts.NoUpgrade {
		return dberr.Newf(dberr.LiteDomain, dberr.DatabaseTooOld,
			"data file %s needs an upgrade and upgrades are disabled", path)
	}
	var key []byte
	if opts != nil {
		key = opts.EncryptionKey
	}
	return upgradeLegacySnapshot(path, key)
}

func init() {
	RegisterEngine(driftEngine{})
}
