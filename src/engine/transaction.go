package engine

import (
	"driftdb/src/dberr"
	"driftdb/src/storage"
)

// Transactions nest flatly: only the outermost Begin acquires the data
// file's exclusive transaction and only the outermost End materializes it.
// Inner ends just decrement the level; the commit flag passed to the
// outermost End alone decides whether the group commits or aborts.

// BeginTransaction opens (or nests into) the database's transaction.
func (db *Database) BeginTransaction() error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.txnMu.Lock()
	defer db.txnMu.Unlock()

	if db.txnLevel == 0 {
		txn, err := db.dataFile.BeginTransaction()
		if err != nil {
			return err
		}
		db.txn = txn
		db.txnLevel = 1
		for _, c := range db.snapshotCollections() {
			c.transactionBegan(txn)
		}
		return nil
	}
	db.txnLevel++
	return nil
}

// EndTransaction closes one nesting level. When the outermost level ends,
// the exclusive transaction commits or aborts; collection cleanup always
// runs, and a commit failure reaches the collections as committed=false
// before the error propagates.
func (db *Database) EndTransaction(commit bool) error {
	db.txnMu.Lock()
	defer db.txnMu.Unlock()

	if db.txnLevel == 0 {
		return dberr.Newf(dberr.LiteDomain, dberr.NotInTransaction,
			"database %s has no open transaction", db.bundlePath)
	}
	db.txnLevel--
	if db.txnLevel > 0 {
		return nil
	}

	txn := db.txn
	db.txn = nil

	var err error
	if commit {
		err = txn.Commit()
	} else {
		err = txn.Abort()
	}
	committed := commit && err == nil
	for _, c := range db.snapshotCollections() {
		c.transactionEnding(committed)
	}
	return err
}

// TransactionLevel returns the current nesting depth.
func (db *Database) TransactionLevel() int {
	db.txnMu.Lock()
	defer db.txnMu.Unlock()
	return db.txnLevel
}

// InTransaction reports whether any nesting level is open.
func (db *Database) InTransaction() bool {
	return db.TransactionLevel() > 0
}

func (db *Database) currentTransaction() *storage.ExclusiveTransaction {
	db.txnMu.Lock()
	defer db.txnMu.Unlock()
	return db.txn
}

// mustTransaction returns the open exclusive transaction for writes.
func (db *Database) mustTransaction() (*storage.ExclusiveTransaction, error) {
	txn := db.currentTransaction()
	if txn == nil {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.NotInTransaction,
			"operation on %s requires an open transaction", db.bundlePath)
	}
	return txn, nil
}

func (db *Database) snapshotCollections() []*Collection {
	db.collMu.Lock()
	defer db.collMu.Unlock()
	out := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		out = append(out, c)
	}
	return out
}

// ExternalTransactionCommitted reports a commit made by another process or
// handle on the same physical file. It may arrive on any goroutine; the
// notification fans out only to the collection backed by the named store.
func (db *Database) ExternalTransactionCommitted(sourceStoreName string) {
	db.collMu.Lock()
	var target *Collection
	for _, c := range db.collections {
		if c.KeyStoreName() == sourceStoreName {
			target = c
			break
		}
	}
	db.collMu.Unlock()
	if target != nil {
		target.externalCommit()
	}
}

// siblingCommitted receives in-process commit notifications from other
// handles sharing the data file.
func (db *Database) siblingCommitted(changedStores []string) {
	for _, name := range changedStores {
		db.ExternalTransactionCommitted(name)
	}
}
