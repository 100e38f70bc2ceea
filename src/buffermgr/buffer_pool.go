package buffermgr

import (
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultPageSize is 8KB, matching PostgreSQL's default
	DefaultPageSize = 8 * 1024

	// DefaultBufferPoolSize is the default number of cached pages
	DefaultBufferPoolSize = 1000
)

// BufferTag uniquely identifies a disk page
type BufferTag struct {
	FileID      uint32
	BlockNumber uint32
}

// PageBuffer is a single cached page of a data file
type PageBuffer struct {
	Tag  BufferTag
	Data []byte
	// Valid is the number of meaningful bytes in Data; the final page of a
	// file is usually shorter than the page size.
	Valid int
}

// BufferPool is a page-granular read cache over registered data files.
// Eviction is LRU; pinned pages are never evicted.
type BufferPool struct {
	mu       sync.Mutex
	cache    *lru.Cache[BufferTag, *PageBuffer]
	pinned   map[BufferTag]*PageBuffer
	registry *FileRegistry
	pageSize int

	hits      uint64
	misses    uint64
	evictions uint64

	logger *zap.SugaredLogger
}

// NewBufferPool creates a new buffer pool with the given capacity in pages
func NewBufferPool(bufferCount, pageSize int, registry *FileRegistry, logger *zap.SugaredLogger) *BufferPool {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if bufferCount <= 0 {
		bufferCount = DefaultBufferPoolSize
	}

	pool := &BufferPool{
		pinned:   make(map[BufferTag]*PageBuffer),
		registry: registry,
		pageSize: pageSize,
		logger:   logger,
	}

	// The size is validated above, so the cache constructor cannot fail.
	cache, _ := lru.NewWithEvict(bufferCount, func(tag BufferTag, _ *PageBuffer) {
		pool.evictions++
	})
	pool.cache = cache

	return pool
}

// GetPage retrieves a page, reading from disk on a cache miss.
func (bp *BufferPool) GetPage(fileID, blockNum uint32) (*PageBuffer, error) {
	tag := BufferTag{FileID: fileID, BlockNumber: blockNum}

	bp.mu.Lock()
	if buf, ok := bp.pinned[tag]; ok {
		bp.hits++
		bp.mu.Unlock()
		return buf, nil
	}
	if buf, ok := bp.cache.Get(tag); ok {
		bp.hits++
		bp.mu.Unlock()
		return buf, nil
	}
	bp.misses++
	bp.mu.Unlock()

	file, err := bp.registry.FileByID(fileID)
	if err != nil {
		return nil, err
	}

	buf := &PageBuffer{
		Tag:  tag,
		Data: make([]byte, bp.pageSize),
	}
	n, err := file.ReadAt(buf.Data, int64(blockNum)*int64(bp.pageSize))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("error reading page %d of file %d: %w", blockNum, fileID, err)
	}
	buf.Valid = n

	bp.mu.Lock()
	bp.cache.Add(tag, buf)
	bp.mu.Unlock()
	return buf, nil
}

// ReadAll streams a whole file through the pool page by page.
func (bp *BufferPool) ReadAll(fileID uint32) ([]byte, error) {
	var out []byte
	for block := uint32(0); ; block++ {
		buf, err := bp.GetPage(fileID, block)
		if err != nil {
			return nil, err
		}
		out = append(out, buf.Data[:buf.Valid]...)
		if buf.Valid < bp.pageSize {
			return out, nil
		}
	}
}

// Pin keeps a page resident until Unpin is called.
func (bp *BufferPool) Pin(tag BufferTag) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if buf, ok := bp.cache.Get(tag); ok {
		bp.pinned[tag] = buf
		bp.cache.Remove(tag)
	}
}

// Unpin makes the page evictable again.
func (bp *BufferPool) Unpin(tag BufferTag) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if buf, ok := bp.pinned[tag]; ok {
		delete(bp.pinned, tag)
		bp.cache.Add(tag, buf)
	}
}

// InvalidateFile drops every cached page belonging to a file. Called after
// the file is rewritten so stale pages are not served.
func (bp *BufferPool) InvalidateFile(fileID uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, tag := range bp.cache.Keys() {
		if tag.FileID == fileID {
			bp.cache.Remove(tag)
		}
	}
	for tag := range bp.pinned {
		if tag.FileID == fileID {
			delete(bp.pinned, tag)
		}
	}
}

// Stats returns hit/miss/eviction counters.
func (bp *BufferPool) Stats() (hits, misses, evictions uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hits, bp.misses, bp.evictions
}

// ShutDown releases all cached pages.
func (bp *BufferPool) ShutDown() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.cache.Purge()
	bp.pinned = make(map[BufferTag]*PageBuffer)
	if bp.logger != nil {
		bp.logger.Infow("Buffer pool shut down",
			"hits", bp.hits, "misses", bp.misses, "evictions", bp.evictions)
	}
	return nil
}
