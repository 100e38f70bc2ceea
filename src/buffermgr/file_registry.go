package buffermgr

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileRegistry hands out stable numeric IDs for open data files so that
// BufferTags stay compact.
type FileRegistry struct {
	mu     sync.Mutex
	files  map[uint32]*os.File
	byPath map[string]uint32
	nextID uint32
	logger *zap.SugaredLogger
}

func NewFileRegistry(logger *zap.SugaredLogger) *FileRegistry {
	return &FileRegistry{
		files:  make(map[uint32]*os.File),
		byPath: make(map[string]uint32),
		nextID: 1,
		logger: logger,
	}
}

// Register opens a file for buffered reads and returns its ID. Registering
// the same path twice returns the existing ID.
func (r *FileRegistry) Register(path string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPath[path]; ok {
		return id, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening data file %s: %w", path, err)
	}

	id := r.nextID
	r.nextID++
	r.files[id] = file
	r.byPath[path] = id
	return id, nil
}

// FileByID returns the open file handle for an ID.
func (r *FileRegistry) FileByID(id uint32) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("no file registered with ID %d", id)
	}
	return file, nil
}

// Unregister closes and forgets a file.
func (r *FileRegistry) Unregister(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, ok := r.files[id]
	if !ok {
		return nil
	}
	delete(r.files, id)
	for path, fid := range r.byPath {
		if fid == id {
			delete(r.byPath, path)
			break
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("error closing data file: %w", err)
	}
	return nil
}

// CloseAll closes every registered file.
func (r *FileRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, file := range r.files {
		if err := file.Close(); err != nil && r.logger != nil {
			r.logger.Warnf("Error closing data file %d: %v", id, err)
		}
		delete(r.files, id)
	}
	r.byPath = make(map[string]uint32)
}
