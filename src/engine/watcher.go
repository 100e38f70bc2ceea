package engine

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcherQuiet coalesces the burst of file events one commit produces.
const watcherQuiet = 100 * time.Millisecond

// commitWatcher notices commits made by other processes on the same bundle
// by watching the data file and its journal sidecar, and replays them as
// external-commit notifications.
type commitWatcher struct {
	db       *Database
	dataPath string
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

func newCommitWatcher(db *Database, dataPath string, logger *zap.SugaredLogger) *commitWatcher {
	return &commitWatcher{db: db, dataPath: dataPath, logger: logger}
}

func (w *commitWatcher) start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the bundle directory: the data file is replaced by rename at
	// checkpoint time, so watching the files themselves would go stale.
	if err := fw.Add(w.db.bundlePath); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.done = make(chan struct{})
	go w.run(fw, w.done)
	return nil
}

func (w *commitWatcher) stop() {
	w.mu.Lock()
	fw := w.watcher
	done := w.done
	w.watcher = nil
	w.done = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if fw != nil {
		fw.Close()
		<-done
	}
}

func (w *commitWatcher) run(fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Name != w.dataPath && event.Name != w.dataPath+"-wal" {
				continue
			}
			w.scheduleNotify()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Commit watcher error on %s: %v", w.db.bundlePath, err)
		}
	}
}

// scheduleNotify debounces event bursts into one notification.
func (w *commitWatcher) scheduleNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if w.timer != nil {
		w.timer.Reset(watcherQuiet)
		return
	}
	w.timer = time.AfterFunc(watcherQuiet, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.notify()
	})
}

// notify broadcasts to every collection; each collection filters by its own
// backing store identity downstream.
func (w *commitWatcher) notify() {
	for _, c := range w.db.snapshotCollections() {
		w.db.ExternalTransactionCommitted(c.KeyStoreName())
	}
}
