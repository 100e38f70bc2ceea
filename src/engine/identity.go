package engine

import (
	"encoding/binary"

	"driftdb/src/dberr"
	"driftdb/src/helpers"
	"driftdb/src/storage"
)

// UUIDKind selects which of the bundle's identity UUIDs to read.
type UUIDKind int

const (
	PublicUUID UUIDKind = iota
	PrivateUUID
)

func (k UUIDKind) infoKey() string {
	if k == PrivateUUID {
		return infoKeyPrivateUUID
	}
	return infoKeyPublicUUID
}

// GetUUID returns the stored identity UUID, generating and persisting one
// on first access.
func (db *Database) GetUUID(kind UUIDKind) ([]byte, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if raw, ok := db.getInfo(kind.infoKey()); ok && len(raw) == 16 {
		return raw, nil
	}
	var out []byte
	err := db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
		// Re-read inside the transaction; another handle may have won.
		if raw, ok := db.getInfo(kind.infoKey()); ok && len(raw) == 16 {
			out = raw
			return nil
		}
		raw := helpers.GenerateUUID()
		if err := db.setInfo(txn, kind.infoKey(), raw); err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

// generateUUIDs persists fresh public and private UUIDs inside an already
// open transaction.
func (db *Database) generateUUIDs(txn *storage.ExclusiveTransaction) error {
	if err := db.setInfo(txn, infoKeyPublicUUID, helpers.GenerateUUID()); err != nil {
		return err
	}
	return db.setInfo(txn, infoKeyPrivateUUID, helpers.GenerateUUID())
}

// ResetUUIDs regenerates both identity UUIDs, stashing the outgoing private
// UUID so replicators can detect the reset.
func (db *Database) ResetUUIDs() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
		if prev, ok := db.getInfo(infoKeyPrivateUUID); ok && len(prev) == 16 {
			if err := db.setInfo(txn, infoKeyPreviousPrivateUUID, prev); err != nil {
				return err
			}
		}
		return db.generateUUIDs(txn)
	})
}

// PreviousPrivateUUID returns the private UUID that was active before the
// last ResetUUIDs, or nil.
func (db *Database) PreviousPrivateUUID() []byte {
	raw, ok := db.getInfo(infoKeyPreviousPrivateUUID)
	if !ok || len(raw) != 16 {
		return nil
	}
	return raw
}

// MyPeerID derives the stable 64-bit replication identity from the public
// UUID. Zero is reserved for "unknown peer", so the result is clamped to 1.
func (db *Database) MyPeerID() (uint64, error) {
	raw, err := db.GetUUID(PublicUUID)
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, dberr.Newf(dberr.LiteDomain, dberr.CorruptRevisionData,
			"stored public UUID is truncated")
	}
	id := binary.BigEndian.Uint64(raw[:8])
	if id == 0 {
		id = 1
	}
	return id, nil
}
