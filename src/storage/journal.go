package storage

// All committed transactions are appended to the write-ahead journal first
// and folded back into the snapshot file at checkpoint time.

import (
	"encoding/binary"
	"fmt"
	"os"

	"driftdb/src/buffermgr"
)

const walSuffix = "-wal"

// checkpointThreshold is the journal size that triggers a checkpoint on the
// next commit.
const checkpointThreshold = 4 << 20

// Journal is the append-only commit log that sits next to a snapshot file.
type Journal struct {
	file        *os.File
	path        string
	currentSize int64
}

// OpenJournal opens (or creates) the journal for a snapshot file path.
func OpenJournal(snapshotPath string) (*Journal, error) {
	path := snapshotPath + walSuffix
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file %s: %w", path, err)
	}
	return &Journal{file: file, path: path, currentSize: info.Size()}, nil
}

// Append writes one length-prefixed entry and syncs it to disk.
func (j *Journal) Append(payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := j.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write journal entry header: %w", err)
	}
	if _, err := j.file.Write(payload); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal file: %w", err)
	}
	j.currentSize += int64(len(payload)) + 4
	return nil
}

// Size returns the current journal length in bytes.
func (j *Journal) Size() int64 {
	return j.currentSize
}

// NeedsCheckpoint reports whether the journal has outgrown the threshold.
func (j *Journal) NeedsCheckpoint() bool {
	return j.currentSize > checkpointThreshold
}

// Reset truncates the journal after its entries were checkpointed into the
// snapshot.
func (j *Journal) Reset() error {
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate journal file: %w", err)
	}
	if _, err := j.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind journal file: %w", err)
	}
	j.currentSize = 0
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return nil
}

// Remove deletes the journal file from disk.
func (j *Journal) Remove() error {
	return os.Remove(j.path)
}

// ReadEntries replays every complete entry in a journal file through the
// buffer pool. A short trailing entry (torn write) ends the replay without
// an error.
func ReadEntries(path string, pool *buffermgr.BufferPool, registry *buffermgr.FileRegistry) ([][]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	fileID, err := registry.Register(path)
	if err != nil {
		return nil, err
	}
	defer registry.Unregister(fileID)

	raw, err := pool.ReadAll(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file %s: %w", path, err)
	}

	var entries [][]byte
	for off := 0; off+4 <= len(raw); {
		n := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		off += 4
		if off+n > len(raw) {
			break
		}
		entries = append(entries, raw[off:off+n])
		off += n
	}
	return entries, nil
}
