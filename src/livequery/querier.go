package livequery

import (
	"sync"
	"time"

	"driftdb/src/engine"
	"driftdb/src/storage"

	"go.uber.org/zap"
)

// Debounce tuning: commits arriving within rapidInterval of the previous
// one are considered a burst and coalesced by throttleDelay; a commit after
// a quiet period re-runs the query immediately.
const (
	rapidInterval = 250 * time.Millisecond
	throttleDelay = 500 * time.Millisecond
)

// Delegate receives live-query results. Errors during a run are delivered
// here instead of surfacing; the querier never fails across the actor
// boundary.
type Delegate interface {
	LiveQuerierUpdated(e *Enumerator, err error)
}

// mailbox is an unbounded single-consumer queue of closures. Posting after
// close is a no-op.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, fn)
	m.cond.Signal()
}

func (m *mailbox) take() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	fn := m.items[0]
	m.items = m.items[1:]
	return fn, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// LiveQuerier re-runs a query whenever its database changes and notifies a
// delegate. It is a single-consumer actor: all state lives on one
// goroutine, external callers post messages. Queries execute on the
// database's background data-file handle so foreground work never blocks.
type LiveQuerier struct {
	db         *engine.Database
	bg         *storage.DataFile
	expression string
	language   QueryLanguage
	continuous bool
	delegate   Delegate
	logger     *zap.SugaredLogger

	mb *mailbox

	// Actor state. Touched only on the actor goroutine, except stopping,
	// which is read and written under the background handle's use lock.
	currentEnum  *Enumerator
	lastTime     time.Time
	waitingToRun bool
	bgQuery      *Query
	stopping     bool

	observerColl *engine.Collection
	observerID   uint64
}

// New builds a querier bound to a database. The query compiles lazily on
// the first run.
func New(db *engine.Database, expression string, language QueryLanguage, continuous bool, delegate Delegate, logger *zap.SugaredLogger) (*LiveQuerier, error) {
	bg, err := db.BackgroundDataFile()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	q := &LiveQuerier{
		db:         db,
		bg:         bg,
		expression: expression,
		language:   language,
		continuous: continuous,
		delegate:   delegate,
		logger:     logger,
		mb:         newMailbox(),
	}
	go q.loop()
	return q, nil
}

func (q *LiveQuerier) loop() {
	for {
		fn, ok := q.mb.take()
		if !ok {
			return
		}
		fn()
	}
}

func (q *LiveQuerier) enqueueAfter(delay time.Duration, fn func()) {
	if delay <= 0 {
		q.mb.post(fn)
		return
	}
	time.AfterFunc(delay, func() { q.mb.post(fn) })
}

// Start runs the query for the first time.
func (q *LiveQuerier) Start(opts Options) {
	q.bg.UseLocked(func() { q.stopping = false })
	q.mb.post(func() {
		q.lastTime = time.Now()
		q.runQuery(opts)
	})
}

// TransactionCommitted reports that the database changed. Safe to call
// from any goroutine, including commit paths.
func (q *LiveQuerier) TransactionCommitted() {
	now := time.Now()
	q.mb.post(func() { q.dbChanged(now) })
}

// Stop halts the querier. Idempotent and cooperative: an in-flight run
// finishes but its delegate callback is suppressed.
func (q *LiveQuerier) Stop() {
	q.bg.UseLocked(func() { q.stopping = true })
	q.mb.post(q.stopped)
}

func (q *LiveQuerier) isStopping() bool {
	var s bool
	q.bg.UseLocked(func() { s = q.stopping })
	return s
}

// coalesceDelay decides how long to wait before re-running after a change:
// a commit inside a burst is deferred so the whole burst collapses into one
// run, a commit after a quiet period runs immediately.
func coalesceDelay(idle time.Duration) time.Duration {
	if idle <= rapidInterval {
		return throttleDelay
	}
	return 0
}

func (q *LiveQuerier) dbChanged(when time.Time) {
	idle := when.Sub(q.lastTime)
	q.lastTime = when
	if q.waitingToRun || q.isStopping() || q.currentEnum == nil {
		return
	}

	delay := coalesceDelay(idle)
	opts := q.currentEnum.Options()
	q.waitingToRun = true
	q.enqueueAfter(delay, func() { q.runQuery(opts) })
}

func (q *LiveQuerier) runQuery(opts Options) {
	q.waitingToRun = false

	var stopped bool
	var newEnum *Enumerator
	var runErr error
	q.bg.UseLocked(func() {
		if q.stopping {
			stopped = true
			return
		}
		if q.bgQuery == nil {
			q.bgQuery, runErr = Compile(q.expression, q.language)
			if runErr != nil {
				return
			}
		}
		newEnum, runErr = q.bgQuery.Run(q.bg, opts)
	})
	if stopped {
		return
	}

	if q.continuous && q.bgQuery != nil && q.observerColl == nil {
		if coll, err := q.db.GetCollection(q.bgQuery.Collection()); err == nil && coll != nil {
			q.observerColl = coll
			q.observerID = coll.AddChangeObserver(q.TransactionCommitted)
		}
	}

	if runErr != nil {
		q.logger.Warnf("Live query run failed: %v", runErr)
		if !q.isStopping() {
			q.delegate.LiveQuerierUpdated(nil, runErr)
		}
		return
	}

	if q.continuous && q.currentEnum != nil && !q.currentEnum.ObsoletedBy(newEnum) {
		// Sequences did not move; the results are identical.
		return
	}
	q.currentEnum = newEnum
	if q.isStopping() {
		return
	}
	q.delegate.LiveQuerierUpdated(newEnum, nil)
}

func (q *LiveQuerier) stopped() {
	q.bg.UseLocked(func() {
		q.bgQuery = nil
		q.currentEnum = nil
	})
	if q.observerColl != nil {
		q.observerColl.RemoveChangeObserver(q.observerID)
		q.observerColl = nil
	}
	q.mb.close()
}
