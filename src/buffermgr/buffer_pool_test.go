package buffermgr

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func newTestPool(t *testing.T, bufferCount, pageSize int) (*BufferPool, *FileRegistry) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := NewFileRegistry(logger)
	pool := NewBufferPool(bufferCount, pageSize, registry, logger)
	t.Cleanup(func() {
		pool.ShutDown()
		registry.CloseAll()
	})
	return pool, registry
}

func TestGetPageReadsAndCaches(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 100) // 800 bytes
	path := writeTempFile(t, content)

	pool, registry := newTestPool(t, 10, 256)
	id, err := registry.Register(path)
	require.NoError(t, err)

	page, err := pool.GetPage(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 256, page.Valid)
	assert.Equal(t, content[:256], page.Data[:page.Valid])

	// The final page is short.
	last, err := pool.GetPage(id, 3)
	require.NoError(t, err)
	assert.Equal(t, 800-3*256, last.Valid)

	hits, misses, _ := pool.Stats()
	assert.EqualValues(t, 0, hits)
	assert.EqualValues(t, 2, misses)

	_, err = pool.GetPage(id, 0)
	require.NoError(t, err)
	hits, misses, _ = pool.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 2, misses)
}

func TestReadAllReassemblesFile(t *testing.T) {
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTempFile(t, content)

	pool, registry := newTestPool(t, 10, 256)
	id, err := registry.Register(path)
	require.NoError(t, err)

	got, err := pool.ReadAll(id)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadAllEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)
	pool, registry := newTestPool(t, 10, 256)
	id, err := registry.Register(path)
	require.NoError(t, err)

	got, err := pool.ReadAll(id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvictionUnderPressure(t *testing.T) {
	content := make([]byte, 64*10)
	path := writeTempFile(t, content)

	pool, registry := newTestPool(t, 2, 64)
	id, err := registry.Register(path)
	require.NoError(t, err)

	for block := uint32(0); block < 5; block++ {
		_, err := pool.GetPage(id, block)
		require.NoError(t, err)
	}
	_, _, evictions := pool.Stats()
	assert.Positive(t, evictions, "a two-page pool must evict under a five-page scan")
}

func TestPinnedPageSurvivesEviction(t *testing.T) {
	content := make([]byte, 64*4)
	path := writeTempFile(t, content)

	pool, registry := newTestPool(t, 2, 64)
	id, err := registry.Register(path)
	require.NoError(t, err)

	page, err := pool.GetPage(id, 0)
	require.NoError(t, err)
	tag := page.Tag
	pool.Pin(tag)

	// Scanning past the pool capacity must not drop the pinned page.
	for block := uint32(1); block < 4; block++ {
		_, err := pool.GetPage(id, block)
		require.NoError(t, err)
	}
	got, err := pool.GetPage(id, 0)
	require.NoError(t, err)
	assert.Same(t, page, got, "pinned pages are served from the pin table")

	pool.Unpin(tag)
	pool.Unpin(tag) // unknown tags are ignored

	pool.InvalidateFile(id)
	_, misses, _ := pool.Stats()
	_, err = pool.GetPage(id, 0)
	require.NoError(t, err)
	_, missesAfter, _ := pool.Stats()
	assert.Equal(t, misses+1, missesAfter, "invalidation forces a re-read")
}

func TestGetPageUnknownFile(t *testing.T) {
	pool, _ := newTestPool(t, 4, 64)
	_, err := pool.GetPage(999, 0)
	require.Error(t, err)
}

func TestFileRegistryReuseAndUnregister(t *testing.T) {
	path := writeTempFile(t, []byte("x"))
	registry := NewFileRegistry(zap.NewNop().Sugar())
	defer registry.CloseAll()

	id, err := registry.Register(path)
	require.NoError(t, err)
	again, err := registry.Register(path)
	require.NoError(t, err)
	assert.Equal(t, id, again, "registering the same path twice reuses the ID")

	f, err := registry.FileByID(id)
	require.NoError(t, err)
	assert.NotNil(t, f)

	require.NoError(t, registry.Unregister(id))
	require.NoError(t, registry.Unregister(id), "unregistering twice is harmless")
	_, err = registry.FileByID(id)
	require.Error(t, err)

	// After unregistering, the path gets a fresh ID.
	fresh, err := registry.Register(path)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)

	_, err = registry.Register(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
