package btreeindex

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// IndexTuple is one entry of a field index: the encoded field value, the
// document it came from, and the sequence the document had when scanned.
type IndexTuple struct {
	Key      []byte
	DocID    string
	Sequence uint64
}

// TournamentSorter sorts index tuples with a bounded memory footprint.
// Batches that exceed the memory limit are sorted and spilled to disk as
// runs; Sort merges the runs through a min-heap.
type TournamentSorter struct {
	maxMemorySize int64
	tempDir       string
	runs          []*sortRun
	currentItems  []IndexTuple
	currentBytes  int64
	comparator    func(a, b IndexTuple) bool
}

// sortRun is a single sorted run stored on disk.
type sortRun struct {
	path      string
	file      *os.File
	reader    *bufio.Reader
	buffer    []IndexTuple
	position  int
	remaining int
}

// NewTournamentSorter creates a sorter with the given memory limit. A nil
// comparator sorts by key bytes, then document ID.
func NewTournamentSorter(maxMemoryBytes int64, tempDir string,
	comparator func(a, b IndexTuple) bool) *TournamentSorter {

	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if comparator == nil {
		comparator = func(a, b IndexTuple) bool {
			if c := string(a.Key); c != string(b.Key) {
				return c < string(b.Key)
			}
			return a.DocID < b.DocID
		}
	}
	return &TournamentSorter{
		maxMemorySize: maxMemoryBytes,
		tempDir:       tempDir,
		currentItems:  make([]IndexTuple, 0, 1024),
		comparator:    comparator,
	}
}

// Add feeds one tuple into the sorter.
func (ts *TournamentSorter) Add(key []byte, docID string, sequence uint64) error {
	itemSize := int64(len(key) + len(docID) + 32)
	if ts.currentBytes+itemSize > ts.maxMemorySize && len(ts.currentItems) > 0 {
		if err := ts.flushToDisk(); err != nil {
			return err
		}
	}
	ts.currentItems = append(ts.currentItems, IndexTuple{
		Key:      key,
		DocID:    docID,
		Sequence: sequence,
	})
	ts.currentBytes += itemSize
	return nil
}

// flushToDisk sorts the in-memory batch and writes it out as a run.
func (ts *TournamentSorter) flushToDisk() error {
	if len(ts.currentItems) == 0 {
		return nil
	}
	sort.Slice(ts.currentItems, func(i, j int) bool {
		return ts.comparator(ts.currentItems[i], ts.currentItems[j])
	})

	tmpFile, err := os.CreateTemp(ts.tempDir, "index-run-*.dat")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriterSize(tmpFile, 64*1024)
	for _, item := range ts.currentItems {
		if err := writeTuple(w, item); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return fmt.Errorf("failed to write run: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return fmt.Errorf("failed to flush run: %w", err)
	}
	tmpFile.Close()

	ts.runs = append(ts.runs, &sortRun{
		path:      tmpFile.Name(),
		remaining: len(ts.currentItems),
	})
	ts.currentItems = ts.currentItems[:0]
	ts.currentBytes = 0
	return nil
}

// Sort finishes ingestion and returns an iterator over all tuples in
// order.
func (ts *TournamentSorter) Sort() (*SortedIterator, error) {
	if len(ts.runs) == 0 {
		sort.Slice(ts.currentItems, func(i, j int) bool {
			return ts.comparator(ts.currentItems[i], ts.currentItems[j])
		})
		return &SortedIterator{items: ts.currentItems}, nil
	}
	if err := ts.flushToDisk(); err != nil {
		return nil, err
	}
	return ts.mergeRuns()
}

// mergeRuns opens every run and seeds the tournament heap with each run's
// first tuple.
func (ts *TournamentSorter) mergeRuns() (*SortedIterator, error) {
	for _, run := range ts.runs {
		file, err := os.Open(run.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run file: %w", err)
		}
		run.file = file
		run.reader = bufio.NewReaderSize(file, 64*1024)
		run.buffer = make([]IndexTuple, 0, 1000)
		run.position = 0
		if err := fillRunBuffer(run); err != nil {
			return nil, err
		}
	}

	pq := make(runHeap, 0, len(ts.runs))
	heap.Init(&pq)
	for i, run := range ts.runs {
		if len(run.buffer) > 0 {
			heap.Push(&pq, &heapItem{
				tuple:   run.buffer[0],
				runIdx:  i,
				compare: ts.comparator,
			})
			run.position = 1
		}
	}
	return &SortedIterator{
		pq:      &pq,
		runs:    ts.runs,
		compare: ts.comparator,
	}, nil
}

// fillRunBuffer reads the next batch of tuples from a run.
func fillRunBuffer(run *sortRun) error {
	run.buffer = run.buffer[:0]
	run.position = 0
	const batchSize = 1000
	for i := 0; i < batchSize && run.remaining > 0; i++ {
		tuple, err := readTuple(run.reader)
		if err != nil {
			return fmt.Errorf("failed to read run: %w", err)
		}
		run.buffer = append(run.buffer, tuple)
		run.remaining--
	}
	return nil
}

// Cleanup removes all temporary run files.
func (ts *TournamentSorter) Cleanup() error {
	var lastErr error
	for _, run := range ts.runs {
		if run.file != nil {
			run.file.Close()
		}
		if err := os.Remove(run.path); err != nil {
			lastErr = err
		}
	}
	ts.runs = nil
	return lastErr
}

// SortedIterator yields tuples in sort order, either from memory or by
// merging disk runs.
type SortedIterator struct {
	items    []IndexTuple
	position int

	pq      *runHeap
	runs    []*sortRun
	compare func(a, b IndexTuple) bool
}

// Next returns the next tuple in order.
func (si *SortedIterator) Next() (IndexTuple, bool) {
	if si.pq == nil {
		if si.position >= len(si.items) {
			return IndexTuple{}, false
		}
		item := si.items[si.position]
		si.position++
		return item, true
	}

	if si.pq.Len() == 0 {
		return IndexTuple{}, false
	}
	item := heap.Pop(si.pq).(*heapItem)
	run := si.runs[item.runIdx]

	if run.position >= len(run.buffer) && run.remaining > 0 {
		if err := fillRunBuffer(run); err != nil {
			return IndexTuple{}, false
		}
	}
	if run.position < len(run.buffer) {
		heap.Push(si.pq, &heapItem{
			tuple:   run.buffer[run.position],
			runIdx:  item.runIdx,
			compare: si.compare,
		})
		run.position++
	}
	return item.tuple, true
}

// Close releases the run files backing the iterator.
func (si *SortedIterator) Close() error {
	var lastErr error
	for _, run := range si.runs {
		if run.file != nil {
			if err := run.file.Close(); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

type heapItem struct {
	tuple   IndexTuple
	runIdx  int
	compare func(a, b IndexTuple) bool
}

type runHeap []*heapItem

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	return h[i].compare(h[i].tuple, h[j].tuple)
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

func writeTuple(w io.Writer, t IndexTuple) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(t.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(t.Key); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(t.DocID)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(t.DocID)); err != nil {
		return err
	}
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], t.Sequence)
	_, err := w.Write(seqBuf[:])
	return err
}

func readTuple(r io.Reader) (IndexTuple, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return IndexTuple{}, err
	}
	key := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, key); err != nil {
		return IndexTuple{}, err
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return IndexTuple{}, err
	}
	docID := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, docID); err != nil {
		return IndexTuple{}, err
	}
	var seqBuf [8]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return IndexTuple{}, err
	}
	return IndexTuple{
		Key:      key,
		DocID:    string(docID),
		Sequence: binary.LittleEndian.Uint64(seqBuf[:]),
	}, nil
}
