package engine

import (
	"strings"

	"driftdb/src/dberr"
)

const (
	// DefaultCollectionName is the sentinel name of the collection every
	// bundle starts with.
	DefaultCollectionName = "_default"

	defaultKeyStoreName  = "default"
	collectionStorePrefix = "coll_"

	maxCollectionNameLen = 30
)

// CollectionNameIsValid reports whether a name may identify a collection:
// 1 to 30 bytes of [A-Za-z0-9_%-], not beginning with '_' or '%'. The
// sentinel "_default" is handled separately by the name mapping.
func CollectionNameIsValid(name string) bool {
	if len(name) == 0 || len(name) > maxCollectionNameLen {
		return false
	}
	if name[0] == '_' || name[0] == '%' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '%' || c == '-':
		default:
			return false
		}
	}
	return true
}

// CollectionNameToKeyStoreName maps a collection name to its backing
// key-store name. Returns empty for invalid names, the empty name included;
// only the "_default" sentinel reaches the default store.
func CollectionNameToKeyStoreName(name string) string {
	if name == DefaultCollectionName {
		return defaultKeyStoreName
	}
	if !CollectionNameIsValid(name) {
		return ""
	}
	return collectionStorePrefix + name
}

// KeyStoreNameToCollectionName is the inverse mapping. Key-stores that do
// not back a collection map to empty.
func KeyStoreNameToCollectionName(storeName string) string {
	if storeName == defaultKeyStoreName {
		return DefaultCollectionName
	}
	rest, ok := strings.CutPrefix(storeName, collectionStorePrefix)
	if !ok || !CollectionNameIsValid(rest) {
		return ""
	}
	return rest
}

// GetOrCreateCollection returns the live Collection for a name, opening or
// creating its key-store. Without canCreate, a missing collection returns
// nil; an invalid name returns nil too, because the lookup short-circuits
// on the empty key-store name. With canCreate, invalid names are an error.
func (db *Database) GetOrCreateCollection(name string, canCreate bool) (*Collection, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.collMu.Lock()
	if c, ok := db.collections[name]; ok {
		db.collMu.Unlock()
		return c, nil
	}
	db.collMu.Unlock()

	storeName := CollectionNameToKeyStoreName(name)
	if storeName == "" {
		if canCreate {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"invalid collection name %q", name)
		}
		return nil, nil
	}
	if !canCreate && !db.dataFile.HasKeyStore(storeName) {
		return nil, nil
	}
	if canCreate && db.config.ReadOnly {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"cannot create collection %q in a read-only database", name)
	}

	store, err := db.dataFile.GetKeyStore(storeName, true)
	if err != nil {
		return nil, err
	}

	db.collMu.Lock()
	if c, ok := db.collections[name]; ok {
		db.collMu.Unlock()
		return c, nil
	}
	c := newCollection(db, name, store)
	db.collections[name] = c
	db.collMu.Unlock()

	// A collection opened mid-transaction joins the in-flight one.
	if txn := db.currentTransaction(); txn != nil {
		c.transactionBegan(txn)
	}
	return c, nil
}

// CreateCollection creates (or returns) a named collection.
func (db *Database) CreateCollection(name string) (*Collection, error) {
	return db.GetOrCreateCollection(name, true)
}

// GetCollection returns a live collection, or nil when it does not exist.
func (db *Database) GetCollection(name string) (*Collection, error) {
	return db.GetOrCreateCollection(name, false)
}

// DefaultCollection returns the collection every bundle starts with.
func (db *Database) DefaultCollection() (*Collection, error) {
	return db.GetOrCreateCollection(DefaultCollectionName, false)
}

// HasCollection reports whether a named collection exists.
func (db *Database) HasCollection(name string) bool {
	db.collMu.Lock()
	_, live := db.collections[name]
	db.collMu.Unlock()
	if live {
		return true
	}
	storeName := CollectionNameToKeyStoreName(name)
	return storeName != "" && db.dataFile.HasKeyStore(storeName)
}

// GetCollectionNames returns the name of every collection in the bundle.
func (db *Database) GetCollectionNames() []string {
	var out []string
	for _, storeName := range db.dataFile.KeyStoreNames() {
		if name := KeyStoreNameToCollectionName(storeName); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// DeleteCollection removes a collection and its key-store under its own
// transaction.
func (db *Database) DeleteCollection(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if name == DefaultCollectionName {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"cannot delete the default collection")
	}
	storeName := CollectionNameToKeyStoreName(name)
	if storeName == "" {
		return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"invalid collection name %q", name)
	}

	if err := db.BeginTransaction(); err != nil {
		return err
	}

	db.collMu.Lock()
	c := db.collections[name]
	delete(db.collections, name)
	db.collMu.Unlock()
	if c != nil {
		c.stopHousekeeping()
		c.markClosed()
	}

	if err := db.dataFile.DeleteKeyStore(storeName); err != nil {
		if abortErr := db.EndTransaction(false); abortErr != nil {
			db.logger.Warnf("Error aborting transaction: %v", abortErr)
		}
		return err
	}
	return db.EndTransaction(true)
}
