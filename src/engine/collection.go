package engine

import (
	"sync"

	btreeindex "driftdb/src/btree_index"
	"driftdb/src/dberr"
	"driftdb/src/housekeep"
	"driftdb/src/models"
	"driftdb/src/storage"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection is a named set of documents backed by one key-store. It holds
// a non-owning reference to its database and must not outlive it.
type Collection struct {
	db    *Database
	name  string
	store *storage.KeyStore

	hkMu sync.Mutex
	hk   *housekeep.Housekeeper

	idxOnce sync.Once
	idx     *btreeindex.Manager

	obsMu           sync.Mutex
	observers       map[uint64]func()
	nextObsID       uint64
	seqAtBegin      uint64
	lastNotifiedSeq uint64

	stateMu sync.Mutex
	closed  bool
}

func newCollection(db *Database, name string, store *storage.KeyStore) *Collection {
	return &Collection{
		db:        db,
		name:      name,
		store:     store,
		observers: make(map[uint64]func()),
	}
}

func (c *Collection) Name() string         { return c.name }
func (c *Collection) KeyStoreName() string { return c.store.Name() }
func (c *Collection) Database() *Database  { return c.db }

func (c *Collection) checkOpen() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return dberr.Newf(dberr.LiteDomain, dberr.NotOpen,
			"collection %q is closed", c.name)
	}
	return nil
}

func (c *Collection) markClosed() {
	c.stateMu.Lock()
	c.closed = true
	c.stateMu.Unlock()
}

// LastSequence returns the collection's change-feed high-water mark.
func (c *Collection) LastSequence() uint64 {
	return c.store.LastSequence()
}

// DocumentCount returns the number of live documents.
func (c *Collection) DocumentCount() int {
	return c.store.Count()
}

// PutDocument stores a BSON document body under a key, assigning the next
// sequence. The body must decode as a BSON map.
func (c *Collection) PutDocument(key string, body []byte, expiration int64) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if key == "" {
		return 0, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"document key must not be empty")
	}
	var decoded map[string]interface{}
	if err := bson.Unmarshal(body, &decoded); err != nil {
		return 0, dberr.Wrap(err, dberr.LiteDomain, dberr.CorruptRevisionData,
			"document body is not a valid BSON map")
	}
	txn, err := c.db.mustTransaction()
	if err != nil {
		return 0, err
	}
	var flags models.RecordFlags
	if len(findBlobDigests(decoded)) > 0 {
		flags |= models.RecordHasAttachments
	}
	seq, err := c.store.Set(txn, key, flags, body, expiration)
	if err != nil {
		return 0, err
	}
	if expiration != 0 {
		c.pokeHousekeeper(expiration)
	}
	return seq, nil
}

// GetDocument returns the decoded document for a key, or nil when the key
// does not exist or is deleted.
func (c *Collection) GetDocument(key string) (*models.Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rec, ok := c.store.Get(key)
	if !ok || !rec.Exists() {
		return nil, nil
	}
	var fields map[string]interface{}
	if len(rec.Body) > 0 {
		if err := bson.Unmarshal(rec.Body, &fields); err != nil {
			return nil, dberr.Wrap(err, dberr.FleeceDomain, dberr.CorruptRevisionData,
				"stored document body does not decode")
		}
	}
	return &models.Document{
		DocumentID: rec.Key,
		Fields:     fields,
		Sequence:   rec.Sequence,
		Expiration: rec.Expiration,
	}, nil
}

// DeleteDocument writes a deletion tombstone so the change feed sees it.
// Returns false when the document does not exist.
func (c *Collection) DeleteDocument(key string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	txn, err := c.db.mustTransaction()
	if err != nil {
		return false, err
	}
	return c.store.Delete(txn, key)
}

// PurgeDocument removes a document without a tombstone.
func (c *Collection) PurgeDocument(key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	txn, err := c.db.mustTransaction()
	if err != nil {
		return err
	}
	return c.store.Purge(txn, key)
}

// SetDocumentExpiration updates a document's expiration timestamp without
// assigning a new sequence.
func (c *Collection) SetDocumentExpiration(key string, when int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	txn, err := c.db.mustTransaction()
	if err != nil {
		return err
	}
	if err := c.store.SetExpiration(txn, key, when); err != nil {
		return err
	}
	if when != 0 {
		c.pokeHousekeeper(when)
	}
	return nil
}

// NextExpiration returns the earliest pending document expiration, or 0.
func (c *Collection) NextExpiration() int64 {
	return c.store.NextExpiration()
}

// PurgeExpired removes every document expired at now and returns the
// count. Runs under its own transaction.
func (c *Collection) PurgeExpired(now int64) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := c.db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
		for _, key := range c.store.ExpiredKeys(now) {
			if err := c.store.Purge(txn, key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// EachDocument calls fn for every live document in key order until fn
// returns false.
func (c *Collection) EachDocument(fn func(rec models.Record) bool) {
	c.store.Iterate(fn)
}

// AddChangeObserver registers fn to run after every commit that changed
// this collection, including external ones. Returns a removal token.
func (c *Collection) AddChangeObserver(fn func()) uint64 {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = fn
	return id
}

// RemoveChangeObserver unregisters a change observer.
func (c *Collection) RemoveChangeObserver(id uint64) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, id)
}

func (c *Collection) notifyObservers() {
	c.obsMu.Lock()
	fns := make([]func(), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// transactionBegan records the sequence high-water mark so that commit time
// can tell whether this collection changed.
func (c *Collection) transactionBegan(txn *storage.ExclusiveTransaction) {
	c.obsMu.Lock()
	c.seqAtBegin = c.store.LastSequence()
	c.obsMu.Unlock()
}

// transactionEnding fans a committed change out to observers and wakes the
// housekeeper when new expirations may exist.
func (c *Collection) transactionEnding(committed bool) {
	if !committed {
		return
	}
	c.obsMu.Lock()
	last := c.store.LastSequence()
	changed := last > c.seqAtBegin
	if changed {
		c.lastNotifiedSeq = last
	}
	c.obsMu.Unlock()
	if !changed {
		return
	}
	c.notifyObservers()
	if next := c.NextExpiration(); next != 0 {
		c.pokeHousekeeper(next)
	}
}

// externalCommit handles a commit made by another process or handle. File
// watcher events echo this handle's own commits, so only a sequence that
// moved past the last notification fans out.
func (c *Collection) externalCommit() {
	c.obsMu.Lock()
	last := c.store.LastSequence()
	if last <= c.lastNotifiedSeq {
		c.obsMu.Unlock()
		return
	}
	c.lastNotifiedSeq = last
	c.obsMu.Unlock()
	c.notifyObservers()
	if next := c.NextExpiration(); next != 0 {
		c.pokeHousekeeper(next)
	}
}

func (c *Collection) pokeHousekeeper(expiration int64) {
	c.hkMu.Lock()
	hk := c.hk
	c.hkMu.Unlock()
	if hk == nil {
		c.startHousekeeping()
		return
	}
	hk.DocumentChanged(expiration)
}

// startHousekeeping creates and starts the expiration housekeeper.
// Idempotent.
func (c *Collection) startHousekeeping() {
	c.hkMu.Lock()
	defer c.hkMu.Unlock()
	if c.hk == nil {
		c.hk = housekeep.New(c.name, c.db.hkPool, c.NextExpiration, c.PurgeExpired, c.db.logger)
	}
	c.hk.Start()
}

// stopHousekeeping halts the expiration housekeeper. Callers must not hold
// the database's collection lock.
func (c *Collection) stopHousekeeping() {
	c.hkMu.Lock()
	hk := c.hk
	c.hkMu.Unlock()
	if hk != nil {
		hk.Stop()
	}
}
