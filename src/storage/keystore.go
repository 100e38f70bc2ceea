package storage

import (
	"sort"

	"driftdb/src/dberr"
	"driftdb/src/models"
)

// keyStoreData is the committed state of one key-store inside a shared
// store. Guarded by the owning sharedStore's mutex.
type keyStoreData struct {
	name         string
	noSequences  bool
	lastSequence uint64
	recs         map[string]models.Record
}

// KeyStore is a handle-scoped view of one named key-store: a persistent
// ordered map of key to (meta, body, sequence). Reads overlay the handle's
// open transaction so that writes are visible to their own transaction
// before commit.
type KeyStore struct {
	df          *DataFile
	name        string
	noSequences bool
}

func (ks *KeyStore) Name() string { return ks.name }

// HasSequences reports whether mutations get sequence numbers.
func (ks *KeyStore) HasSequences() bool { return !ks.noSequences }

// Get returns the record for a key. The second result is false when the key
// has never been written or was purged.
func (ks *KeyStore) Get(key string) (models.Record, bool) {
	if txn := ks.df.currentTransaction(); txn != nil {
		if rec, staged := txn.stagedRecord(ks.name, key); staged {
			if rec == nil {
				return models.Record{}, false
			}
			return *rec, true
		}
	}

	s := ks.df.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := s.stores[ks.name]
	if data == nil {
		return models.Record{}, false
	}
	rec, ok := data.recs[key]
	return rec, ok
}

// Set writes a record body under an open transaction and returns the
// sequence assigned to the mutation (0 for stores without sequences).
func (ks *KeyStore) Set(txn *ExclusiveTransaction, key string, flags models.RecordFlags, body []byte, expiration int64) (uint64, error) {
	if err := ks.checkTxn(txn); err != nil {
		return 0, err
	}
	rec := models.Record{
		Key:        key,
		Flags:      flags,
		Body:       body,
		Expiration: expiration,
	}
	if !ks.noSequences {
		rec.Sequence = txn.nextSequence(ks.name)
	}
	txn.stageSet(ks.name, &rec)
	return rec.Sequence, nil
}

// Delete writes a tombstone so the deletion shows up in the change feed.
// Returns false when the key does not exist.
func (ks *KeyStore) Delete(txn *ExclusiveTransaction, key string) (bool, error) {
	if err := ks.checkTxn(txn); err != nil {
		return false, err
	}
	prev, ok := ks.Get(key)
	if !ok || !prev.Exists() {
		return false, nil
	}
	rec := models.Record{
		Key:        key,
		Flags:      prev.Flags | models.RecordDeleted,
		Expiration: 0,
	}
	if !ks.noSequences {
		rec.Sequence = txn.nextSequence(ks.name)
	}
	txn.stageSet(ks.name, &rec)
	return true, nil
}

// Purge removes a key entirely, without leaving a tombstone.
func (ks *KeyStore) Purge(txn *ExclusiveTransaction, key string) error {
	if err := ks.checkTxn(txn); err != nil {
		return err
	}
	txn.stageDelete(ks.name, key)
	return nil
}

// SetExpiration updates a record's expiration without assigning a new
// sequence.
func (ks *KeyStore) SetExpiration(txn *ExclusiveTransaction, key string, when int64) error {
	if err := ks.checkTxn(txn); err != nil {
		return err
	}
	rec, ok := ks.Get(key)
	if !ok {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter, "no record %q in key-store %q", key, ks.name)
	}
	rec.Expiration = when
	txn.stageSet(ks.name, &rec)
	return nil
}

func (ks *KeyStore) checkTxn(txn *ExclusiveTransaction) error {
	if txn == nil || txn.done {
		return dberr.Newf(dberr.LiteDomain, dberr.NotInTransaction,
			"key-store %q requires an open transaction for writes", ks.name)
	}
	if txn.df != ks.df {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"transaction belongs to a different data file")
	}
	return nil
}

// LastSequence returns the highest assigned sequence, including ones staged
// by the handle's open transaction.
func (ks *KeyStore) LastSequence() uint64 {
	if txn := ks.df.currentTransaction(); txn != nil {
		if seq, ok := txn.pendingSeqs[ks.name]; ok {
			return seq
		}
	}
	s := ks.df.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data := s.stores[ks.name]; data != nil {
		return data.lastSequence
	}
	return 0
}

// snapshotRecords merges committed state with the open transaction and
// returns live records sorted by key.
func (ks *KeyStore) snapshotRecords() []models.Record {
	merged := make(map[string]models.Record)

	s := ks.df.shared
	s.mu.RLock()
	if data := s.stores[ks.name]; data != nil {
		for k, rec := range data.recs {
			merged[k] = rec
		}
	}
	s.mu.RUnlock()

	if txn := ks.df.currentTransaction(); txn != nil {
		for k, rec := range txn.pending[ks.name] {
			if rec == nil {
				delete(merged, k)
			} else {
				merged[k] = *rec
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, merged[k])
	}
	return out
}

// Iterate calls fn for every live record in key order until fn returns
// false.
func (ks *KeyStore) Iterate(fn func(models.Record) bool) {
	for _, rec := range ks.snapshotRecords() {
		if !rec.Exists() {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// Count returns the number of live records.
func (ks *KeyStore) Count() int {
	n := 0
	for _, rec := range ks.snapshotRecords() {
		if rec.Exists() {
			n++
		}
	}
	return n
}

// NextExpiration returns the earliest pending expiration, or 0 when no live
// record expires.
func (ks *KeyStore) NextExpiration() int64 {
	var next int64
	for _, rec := range ks.snapshotRecords() {
		if !rec.Exists() || rec.Expiration == 0 {
			continue
		}
		if next == 0 || rec.Expiration < next {
			next = rec.Expiration
		}
	}
	return next
}

// ExpiredKeys returns the keys of live records whose expiration is at or
// before now.
func (ks *KeyStore) ExpiredKeys(now int64) []string {
	var out []string
	for _, rec := range ks.snapshotRecords() {
		if rec.Exists() && rec.Expiration != 0 && rec.Expiration <= now {
			out = append(out, rec.Key)
		}
	}
	return out
}
