package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"driftdb/src/blobs"
	"driftdb/src/dberr"
	"driftdb/src/helpers"
	"driftdb/src/storage"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	dataFileBaseName   = "db"
	attachmentsDirName = "Attachments"
	attachmentsTempDir = "Attachments_temp"

	housekeepingPoolSize = 4
)

// Database is one open handle on a bundle: a directory holding the data
// file and its blob subdirectory. It owns its collections, its background
// data-file handle, and its blob store.
type Database struct {
	bundlePath string
	config     Config
	engine     storage.Engine
	dataFile   *storage.DataFile
	info       *storage.KeyStore

	blobMu    sync.Mutex
	blobStore *blobs.Store

	// collMu guards the collection map. Never held across a call into
	// Collection.stopHousekeeping; snapshot the map first.
	collMu      sync.Mutex
	collections map[string]*Collection

	txnMu    sync.Mutex
	txnLevel int
	txn      *storage.ExclusiveTransaction

	bgMu   sync.Mutex
	bgFile *storage.DataFile

	hkPool  *ants.Pool
	watcher *commitWatcher

	stateMu sync.Mutex
	closed  bool

	logger *zap.SugaredLogger
}

// Open opens (or creates) a database bundle at path.
func Open(bundlePath string, config Config) (*Database, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	created := false
	if info, err := os.Stat(bundlePath); err == nil {
		if !info.IsDir() {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
				"%s exists and is not a database bundle", bundlePath)
		}
	} else if os.IsNotExist(err) {
		if !config.Create {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.NotOpen,
				"no database bundle at %s", bundlePath)
		}
		if err := helpers.EnsureDir(bundlePath); err != nil {
			return nil, fmt.Errorf("cannot create bundle directory %s: %w", bundlePath, err)
		}
		created = true
	} else {
		return nil, fmt.Errorf("cannot stat bundle path %s: %w", bundlePath, err)
	}

	eng, err := storage.EngineNamed(config.StorageEngine)
	if err != nil {
		return nil, err
	}

	dataPath, err := locateDataFile(bundlePath, eng, config.StorageEngine != "", created || config.Create)
	if err != nil {
		return nil, err
	}

	opts := &storage.OpenOptions{
		Create:              created || config.Create,
		ReadOnly:            config.ReadOnly,
		NoUpgrade:           config.NoUpgrade,
		EncryptionAlgorithm: config.EncryptionAlgorithm,
		EncryptionKey:       config.EncryptionKey,
		Logger:              logger,
	}
	df, err := eng.OpenDataFile(dataPath, opts)
	if err != nil && dberr.IsCode(err, dberr.DatabaseTooOld) && !config.NoUpgrade {
		logger.Infof("Upgrading data file %s in place", dataPath)
		if upErr := eng.UpgradeDataFile(dataPath, opts); upErr != nil {
			return nil, upErr
		}
		df, err = eng.OpenDataFile(dataPath, opts)
	}
	if err != nil {
		return nil, err
	}

	db := &Database{
		bundlePath:  bundlePath,
		config:      config,
		engine:      eng,
		dataFile:    df,
		collections: make(map[string]*Collection),
		logger:      logger,
	}

	db.info, err = df.GetKeyStore(infoStoreName, false)
	if err != nil {
		df.Close()
		return nil, err
	}

	pool, err := ants.NewPool(housekeepingPoolSize, ants.WithLogger(antsLogger{logger}))
	if err != nil {
		df.Close()
		return nil, fmt.Errorf("cannot create housekeeping pool: %w", err)
	}
	db.hkPool = pool

	if err := db.setupVersioning(created); err != nil {
		db.teardownOnOpenFailure()
		return nil, err
	}

	if _, err := db.openCollections(); err != nil {
		db.teardownOnOpenFailure()
		return nil, err
	}

	db.dataFile.OnCommit(db.siblingCommitted)
	db.watcher = newCommitWatcher(db, dataPath, logger)
	if err := db.watcher.start(); err != nil {
		logger.Warnf("Cross-process commit watcher unavailable for %s: %v", bundlePath, err)
		db.watcher = nil
	}

	logger.Infow("Opened database bundle",
		"path", bundlePath,
		"engine", eng.Name(),
		"readOnly", config.ReadOnly,
	)
	return db, nil
}

// locateDataFile finds db.<ext> inside the bundle, probing other engines'
// extensions when no explicit engine was requested.
func locateDataFile(bundlePath string, eng storage.Engine, explicit, canCreate bool) (string, error) {
	want := filepath.Join(bundlePath, dataFileBaseName+eng.FileExtension())
	if eng.FileExists(want) || canCreate {
		return want, nil
	}
	for _, other := range storage.Engines() {
		if other.Name() == eng.Name() {
			continue
		}
		path := filepath.Join(bundlePath, dataFileBaseName+other.FileExtension())
		if !other.FileExists(path) {
			continue
		}
		if explicit {
			return "", dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
				"bundle %s holds a %s data file, not %s", bundlePath, other.DisplayName(), eng.DisplayName())
		}
		return path, nil
	}
	return "", dberr.Newf(dberr.LiteDomain, dberr.NotOpen,
		"bundle %s holds no data file", bundlePath)
}

// setupVersioning reconciles the persisted versioning scheme with the
// configured one and generates identity UUIDs for fresh bundles.
func (db *Database) setupVersioning(created bool) error {
	stored, ok := db.getInfoUint64(infoKeyVersioning)
	switch {
	case !ok && (created || db.config.Create):
		return db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
			if err := db.generateUUIDs(txn); err != nil {
				return err
			}
			return db.setInfoUint64(txn, infoKeyVersioning, uint64(db.config.Versioning))
		})
	case !ok:
		if db.config.ReadOnly {
			return nil
		}
		return db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
			return db.setInfoUint64(txn, infoKeyVersioning, uint64(db.config.Versioning))
		})
	case Versioning(stored) >= db.config.Versioning:
		db.config.Versioning = Versioning(stored)
		return nil
	default:
		// Stored scheme is older than requested: persist the new scheme
		// under one transaction. Stored documents are not rewritten.
		return db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
			return db.setInfoUint64(txn, infoKeyVersioning, uint64(db.config.Versioning))
		})
	}
}

// openCollections instantiates the default collection, wraps every
// key-store whose name maps to a collection name, and starts housekeepers
// for collections with pending expirations.
func (db *Database) openCollections() ([]*Collection, error) {
	defaultColl, err := db.GetOrCreateCollection(DefaultCollectionName, true)
	if err != nil {
		return nil, err
	}
	out := []*Collection{defaultColl}

	for _, storeName := range db.dataFile.KeyStoreNames() {
		name := KeyStoreNameToCollectionName(storeName)
		if name == "" || name == DefaultCollectionName {
			continue
		}
		coll, err := db.GetOrCreateCollection(name, false)
		if err != nil {
			return nil, err
		}
		if coll != nil {
			out = append(out, coll)
		}
	}

	for _, coll := range out {
		if coll.NextExpiration() != 0 {
			coll.startHousekeeping()
		}
	}
	return out, nil
}

func (db *Database) teardownOnOpenFailure() {
	db.hkPool.Release()
	if err := db.dataFile.Close(); err != nil {
		db.logger.Warnf("Error closing data file after failed open: %v", err)
	}
}

func (db *Database) Path() string          { return db.bundlePath }
func (db *Database) Config() Config        { return db.config }
func (db *Database) ReadOnly() bool        { return db.config.ReadOnly }
func (db *Database) DataFile() *storage.DataFile { return db.dataFile }

func (db *Database) checkOpen() error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return dberr.Newf(dberr.LiteDomain, dberr.NotOpen,
			"database %s is closed", db.bundlePath)
	}
	return nil
}

// BlobStore returns the bundle's content-addressed blob store, opening it
// on first use.
func (db *Database) BlobStore() (*blobs.Store, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.blobMu.Lock()
	defer db.blobMu.Unlock()
	if db.blobStore != nil {
		return db.blobStore, nil
	}
	store, err := blobs.OpenStore(filepath.Join(db.bundlePath, attachmentsDirName), db.config.EncryptionKey, db.logger)
	if err != nil {
		return nil, err
	}
	db.blobStore = store
	return store, nil
}

// stopBackgroundTasks halts the watcher, every housekeeper, and closes the
// background data-file handle.
func (db *Database) stopBackgroundTasks() error {
	if db.watcher != nil {
		db.watcher.stop()
	}

	db.collMu.Lock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		colls = append(colls, c)
	}
	db.collMu.Unlock()
	for _, c := range colls {
		c.stopHousekeeping()
	}

	db.bgMu.Lock()
	bg := db.bgFile
	db.bgFile = nil
	db.bgMu.Unlock()
	if bg != nil {
		return bg.Close()
	}
	return nil
}

func (db *Database) restartBackgroundTasks() {
	if db.watcher != nil {
		if err := db.watcher.start(); err != nil {
			db.logger.Warnf("Could not restart commit watcher: %v", err)
		}
	}
	db.collMu.Lock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		colls = append(colls, c)
	}
	db.collMu.Unlock()
	for _, c := range colls {
		if c.NextExpiration() != 0 {
			c.startHousekeeping()
		}
	}
}

// BackgroundDataFile returns a second handle on the same physical data
// file, opened lazily. Live queries run on it so foreground operations are
// never blocked by query execution.
func (db *Database) BackgroundDataFile() (*storage.DataFile, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	if db.bgFile != nil {
		return db.bgFile, nil
	}
	bg, err := db.engine.OpenDataFile(db.dataFile.Path(), &storage.OpenOptions{
		ReadOnly:            true,
		EncryptionAlgorithm: db.config.EncryptionAlgorithm,
		EncryptionKey:       db.config.EncryptionKey,
		Logger:              db.logger,
	})
	if err != nil {
		return nil, err
	}
	db.bgFile = bg
	return bg, nil
}

// Close shuts the database down. Fails while a transaction is open.
func (db *Database) Close() error {
	db.txnMu.Lock()
	open := db.txnLevel > 0
	db.txnMu.Unlock()
	if open {
		return dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot close database %s inside a transaction", db.bundlePath)
	}

	db.stateMu.Lock()
	if db.closed {
		db.stateMu.Unlock()
		return nil
	}
	db.closed = true
	db.stateMu.Unlock()

	err := db.stopBackgroundTasks()

	db.collMu.Lock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		colls = append(colls, c)
	}
	db.collections = make(map[string]*Collection)
	db.collMu.Unlock()
	for _, c := range colls {
		c.markClosed()
	}

	db.hkPool.Release()
	err = multierr.Append(err, db.dataFile.Close())
	if err == nil {
		db.logger.Infow("Closed database bundle", "path", db.bundlePath)
	}
	return err
}

// CloseAndDeleteFile closes the database and removes the whole bundle
// directory.
func (db *Database) CloseAndDeleteFile() error {
	if err := db.Close(); err != nil {
		return err
	}
	if err := helpers.RemoveDirRecursive(db.bundlePath); err != nil {
		return fmt.Errorf("error deleting bundle %s: %w", db.bundlePath, err)
	}
	return nil
}

// DeleteBundle removes a closed bundle directory from disk.
func DeleteBundle(bundlePath string) error {
	info, err := os.Stat(bundlePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot stat bundle %s: %w", bundlePath, err)
	}
	if !info.IsDir() {
		return dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
			"%s is not a database bundle", bundlePath)
	}
	return helpers.RemoveDirRecursive(bundlePath)
}

// Rekey re-encrypts the data file and every blob with a new key (nil
// decrypts). Refused inside a transaction; background tasks are stopped for
// the duration and restarted afterwards.
func (db *Database) Rekey(algorithm storage.EncryptionAlgorithm, newKey []byte) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.txnMu.Lock()
	open := db.txnLevel > 0
	db.txnMu.Unlock()
	if open {
		return dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot rekey database %s inside a transaction", db.bundlePath)
	}
	switch algorithm {
	case storage.EncryptionNone:
		if len(newKey) != 0 {
			return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"encryption key given without an algorithm")
		}
	case storage.EncryptionChaCha20Poly1305:
		if len(newKey) != 32 {
			return dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"encryption key must be 32 bytes, got %d", len(newKey))
		}
	default:
		return dberr.Newf(dberr.LiteDomain, dberr.UnsupportedEncryption,
			"unsupported encryption algorithm %d", algorithm)
	}

	if err := db.stopBackgroundTasks(); err != nil {
		db.logger.Warnf("Error stopping background tasks before rekey: %v", err)
	}
	defer db.restartBackgroundTasks()

	current, err := db.BlobStore()
	if err != nil {
		return err
	}

	tempDir := filepath.Join(db.bundlePath, attachmentsTempDir)
	tempStore, err := blobs.OpenStore(tempDir, newKey, db.logger)
	if err != nil {
		return err
	}
	if err := current.CopyRekeyedTo(tempStore); err != nil {
		if rmErr := blobs.DeleteStore(tempDir); rmErr != nil {
			db.logger.Warnf("Could not remove temp blob store after failed rekey: %v", rmErr)
		}
		return err
	}

	if err := db.dataFile.Rekey(newKey); err != nil {
		if rmErr := blobs.DeleteStore(tempDir); rmErr != nil {
			db.logger.Warnf("Could not remove temp blob store after failed rekey: %v", rmErr)
		}
		return err
	}

	attachmentsDir := filepath.Join(db.bundlePath, attachmentsDirName)
	oldDir := attachmentsDir + ".old"
	if err := os.Rename(attachmentsDir, oldDir); err != nil {
		return fmt.Errorf("error swapping blob store: %w", err)
	}
	if err := os.Rename(tempDir, attachmentsDir); err != nil {
		return fmt.Errorf("error swapping blob store: %w", err)
	}
	if err := helpers.RemoveDirRecursive(oldDir); err != nil {
		db.logger.Warnf("Could not remove old blob store: %v", err)
	}

	db.blobMu.Lock()
	db.blobStore = nil
	db.blobMu.Unlock()
	db.config.EncryptionAlgorithm = algorithm
	db.config.EncryptionKey = newKey

	db.logger.Infow("Rekeyed database bundle", "path", db.bundlePath)
	return nil
}

// Maintenance runs a maintenance pass on the data file. Compaction also
// garbage-collects unreferenced blobs. Refused inside a transaction.
func (db *Database) Maintenance(kind storage.MaintenanceType) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.txnMu.Lock()
	open := db.txnLevel > 0
	db.txnMu.Unlock()
	if open {
		return dberr.Newf(dberr.LiteDomain, dberr.TransactionNotClosed,
			"cannot run maintenance on %s inside a transaction", db.bundlePath)
	}
	if err := db.dataFile.Maintenance(kind); err != nil {
		return err
	}
	if kind == storage.MaintenanceCompact {
		if _, err := db.GarbageCollectBlobs(); err != nil {
			return err
		}
	}
	return nil
}

// inTransaction runs fn inside a single begin/end pair, committing when fn
// succeeds.
func (db *Database) inTransaction(fn func(txn *storage.ExclusiveTransaction) error) error {
	if err := db.BeginTransaction(); err != nil {
		return err
	}
	txn := db.currentTransaction()
	if err := fn(txn); err != nil {
		if abortErr := db.EndTransaction(false); abortErr != nil {
			db.logger.Warnf("Error aborting transaction: %v", abortErr)
		}
		return err
	}
	return db.EndTransaction(true)
}

// antsLogger adapts the zap logger to the worker pool's logging interface.
type antsLogger struct {
	logger *zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}
