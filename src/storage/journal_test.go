package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"driftdb/src/buffermgr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readBack(t *testing.T, snapshotPath string) [][]byte {
	t.Helper()
	logger := zap.NewNop().Sugar()
	files := buffermgr.NewFileRegistry(logger)
	pool := buffermgr.NewBufferPool(buffermgr.DefaultBufferPoolSize, buffermgr.DefaultPageSize, files, logger)
	defer pool.ShutDown()
	entries, err := ReadEntries(snapshotPath+walSuffix, pool, files)
	require.NoError(t, err)
	return entries
}

func TestJournalAppendAndReadBack(t *testing.T) {
	snap := filepath.Join(t.TempDir(), "j.drift")
	j, err := OpenJournal(snap)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("first"), []byte("second entry"), {}}
	var want int64
	for _, p := range payloads {
		require.NoError(t, j.Append(p))
		want += int64(len(p)) + 4
	}
	assert.Equal(t, want, j.Size())
	assert.False(t, j.NeedsCheckpoint())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "closing twice is harmless")

	entries := readBack(t, snap)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("first"), entries[0])
	assert.Equal(t, []byte("second entry"), entries[1])
	assert.Empty(t, entries[2])
}

func TestJournalSizeSurvivesReopen(t *testing.T) {
	snap := filepath.Join(t.TempDir(), "j.drift")
	j, err := OpenJournal(snap)
	require.NoError(t, err)
	require.NoError(t, j.Append([]byte("payload")))
	size := j.Size()
	require.NoError(t, j.Close())

	j, err = OpenJournal(snap)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, size, j.Size())
}

func TestJournalReset(t *testing.T) {
	snap := filepath.Join(t.TempDir(), "j.drift")
	j, err := OpenJournal(snap)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append([]byte("doomed")))
	require.NoError(t, j.Reset())
	assert.EqualValues(t, 0, j.Size())

	require.NoError(t, j.Append([]byte("fresh")))
	entries := readBack(t, snap)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("fresh"), entries[0])
}

func TestReadEntriesToleratesTornWrite(t *testing.T) {
	snap := filepath.Join(t.TempDir(), "j.drift")
	j, err := OpenJournal(snap)
	require.NoError(t, err)
	require.NoError(t, j.Append([]byte("complete")))
	require.NoError(t, j.Close())

	// Simulate a crash mid-append: a header promising more bytes than the
	// file holds.
	f, err := os.OpenFile(snap+walSuffix, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 500)
	_, err = f.Write(hdr[:])
	require.NoError(t, err)
	_, err = f.Write([]byte("torn"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries := readBack(t, snap)
	require.Len(t, entries, 1, "the torn trailing entry is dropped")
	assert.Equal(t, []byte("complete"), entries[0])
}

func TestReadEntriesMissingFile(t *testing.T) {
	entries := readBack(t, filepath.Join(t.TempDir(), "never.drift"))
	assert.Nil(t, entries)
}
