package engine

import (
	"encoding/binary"

	"driftdb/src/storage"
)

// The info key-store holds raw metadata records without sequences.

func (db *Database) getInfo(key string) ([]byte, bool) {
	rec, ok := db.info.Get(key)
	if !ok || !rec.Exists() {
		return nil, false
	}
	return rec.Body, true
}

func (db *Database) setInfo(txn *storage.ExclusiveTransaction, key string, value []byte) error {
	_, err := db.info.Set(txn, key, 0, value, 0)
	return err
}

func (db *Database) getInfoUint64(key string) (uint64, bool) {
	raw, ok := db.getInfo(key)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(raw), true
}

func (db *Database) setInfoUint64(txn *storage.ExclusiveTransaction, key string, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return db.setInfo(txn, key, buf[:])
}

// MaxRevTreeDepth returns the persisted revision-tree depth limit.
func (db *Database) MaxRevTreeDepth() uint64 {
	if depth, ok := db.getInfoUint64(infoKeyMaxRevTreeDepth); ok && depth > 0 {
		return depth
	}
	return defaultMaxRevTreeDepth
}

// SetMaxRevTreeDepth persists a new revision-tree depth limit.
func (db *Database) SetMaxRevTreeDepth(depth uint64) error {
	if depth == 0 {
		depth = defaultMaxRevTreeDepth
	}
	return db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
		return db.setInfoUint64(txn, infoKeyMaxRevTreeDepth, depth)
	})
}

// Versioning returns the bundle's active versioning scheme.
func (db *Database) Versioning() Versioning {
	return db.config.Versioning
}
