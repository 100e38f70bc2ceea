package engine

import (
	"strings"

	"driftdb/src/blobs"
	"driftdb/src/dberr"
	"driftdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
)

// findBlobDigests walks a decoded document body and collects every digest
// string of the form "sha256-<hex>" found under a "digest" key.
func findBlobDigests(value interface{}) []string {
	var out []string
	switch v := value.(type) {
	case map[string]interface{}:
		if digest, ok := v["digest"].(string); ok && strings.HasPrefix(digest, blobs.DigestPrefix) {
			out = append(out, digest)
		}
		for _, inner := range v {
			out = append(out, findBlobDigests(inner)...)
		}
	case bson.M:
		out = append(out, findBlobDigests(map[string]interface{}(v))...)
	case []interface{}:
		for _, inner := range v {
			out = append(out, findBlobDigests(inner)...)
		}
	case bson.A:
		out = append(out, findBlobDigests([]interface{}(v))...)
	}
	return out
}

// findBlobReferences calls cb with every blob reference in the collection's
// live documents.
func (c *Collection) findBlobReferences(cb func(ref models.BlobRef) bool) error {
	var decodeErr error
	c.store.Iterate(func(rec models.Record) bool {
		if rec.Flags&models.RecordHasAttachments == 0 || len(rec.Body) == 0 {
			return true
		}
		var body map[string]interface{}
		if err := bson.Unmarshal(rec.Body, &body); err != nil {
			decodeErr = dberr.Wrap(err, dberr.FleeceDomain, dberr.CorruptRevisionData,
				"stored document body does not decode")
			return false
		}
		for _, digest := range findBlobDigests(body) {
			if !cb(models.BlobRef{Digest: digest, Length: int64(len(rec.Body))}) {
				return false
			}
		}
		return true
	})
	return decodeErr
}

// GarbageCollectBlobs removes every blob not referenced by any live
// document. Only legal outside a transaction; it holds the data file's
// exclusive transaction so no blob reference can be written concurrently.
func (db *Database) GarbageCollectBlobs() (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	if db.InTransaction() {
		return 0, dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot garbage-collect blobs inside a transaction")
	}
	store, err := db.BlobStore()
	if err != nil {
		return 0, err
	}

	if err := db.BeginTransaction(); err != nil {
		return 0, err
	}
	keep := make(map[blobs.Key]struct{})
	refs := 0
	var scanErr error
	for _, c := range db.snapshotCollections() {
		scanErr = c.findBlobReferences(func(ref models.BlobRef) bool {
			key, err := blobs.ParseKey(ref.Digest)
			if err != nil {
				return true
			}
			keep[key] = struct{}{}
			refs++
			return true
		})
		if scanErr != nil {
			break
		}
	}
	if endErr := db.EndTransaction(false); endErr != nil {
		db.logger.Warnf("Error releasing blob GC transaction: %v", endErr)
	}
	if scanErr != nil {
		return 0, scanErr
	}

	removed, err := store.DeleteAllExcept(keep)
	if err != nil {
		return removed, err
	}
	if removed > 0 || refs > 0 {
		db.logger.Infof("Blob GC kept %d referenced blobs, removed %d", len(keep), removed)
	}
	return removed, nil
}
