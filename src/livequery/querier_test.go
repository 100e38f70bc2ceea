package livequery

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driftdb/src/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func openTestDB(t *testing.T) *engine.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live.driftdb")
	db, err := engine.Open(path, engine.Config{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func putDoc(t *testing.T, db *engine.Database, coll *engine.Collection,
	key string, fields map[string]interface{}) {

	t.Helper()
	body, err := bson.Marshal(fields)
	require.NoError(t, err)
	require.NoError(t, db.BeginTransaction())
	_, err = coll.PutDocument(key, body, 0)
	require.NoError(t, db.EndTransaction(err == nil))
	require.NoError(t, err)
}

// recordingDelegate collects every update the querier delivers.
type recordingDelegate struct {
	mu      sync.Mutex
	updates []*Enumerator
	errs    []error
	signal  chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{signal: make(chan struct{}, 64)}
}

func (d *recordingDelegate) LiveQuerierUpdated(e *Enumerator, err error) {
	d.mu.Lock()
	d.updates = append(d.updates, e)
	d.errs = append(d.errs, err)
	d.mu.Unlock()
	d.signal <- struct{}{}
}

func (d *recordingDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

func (d *recordingDelegate) last() (*Enumerator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.updates) == 0 {
		return nil, nil
	}
	return d.updates[len(d.updates)-1], d.errs[len(d.errs)-1]
}

func (d *recordingDelegate) waitForUpdate(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-d.signal:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a live query update")
	}
}

func TestLiveQuerierInitialRunAndChange(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.DefaultCollection()
	require.NoError(t, err)
	putDoc(t, db, coll, "m1", map[string]interface{}{"kind": "match"})
	putDoc(t, db, coll, "o1", map[string]interface{}{"kind": "other"})

	delegate := newRecordingDelegate()
	q, err := New(db, `doc.kind == "match"`, LanguageCEL, true, delegate, nil)
	require.NoError(t, err)
	defer q.Stop()

	q.Start(Options{})
	delegate.waitForUpdate(t, 2*time.Second)

	e, updErr := delegate.last()
	require.NoError(t, updErr)
	require.NotNil(t, e)
	require.Equal(t, 1, e.Count())
	assert.Equal(t, "m1", e.Rows()[0].Key)

	// A commit that adds a matching document re-runs the query through the
	// collection observer.
	putDoc(t, db, coll, "m2", map[string]interface{}{"kind": "match"})
	delegate.waitForUpdate(t, 2*time.Second)

	e, updErr = delegate.last()
	require.NoError(t, updErr)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Count())
}

func TestLiveQuerierDebouncesRapidCommits(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.DefaultCollection()
	require.NoError(t, err)

	delegate := newRecordingDelegate()
	q, err := New(db, `doc.kind == "burst"`, LanguageCEL, true, delegate, nil)
	require.NoError(t, err)
	defer q.Stop()

	q.Start(Options{})
	delegate.waitForUpdate(t, 2*time.Second)

	// Let the burst start from a quiet period.
	time.Sleep(300 * time.Millisecond)

	const commits = 6
	for i := 0; i < commits; i++ {
		putDoc(t, db, coll, string(rune('a'+i)), map[string]interface{}{
			"kind": "burst", "n": int32(i),
		})
		time.Sleep(20 * time.Millisecond)
	}

	// Wait out the throttle window plus slack so coalesced runs finish.
	time.Sleep(1200 * time.Millisecond)

	// Six commits in a ~120ms span must collapse to very few updates: the
	// immediate run for the first commit plus the coalesced throttled run.
	got := delegate.count() - 1 // minus the initial result
	assert.GreaterOrEqual(t, got, 1, "the burst must produce at least one update")
	assert.LessOrEqual(t, got, 3, "rapid commits must be coalesced, got %d updates", got)

	e, updErr := delegate.last()
	require.NoError(t, updErr)
	require.NotNil(t, e)
	assert.Equal(t, commits, e.Count(), "the final update must include the whole burst")
}

func TestLiveQuerierSkipsUnchangedResults(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.DefaultCollection()
	require.NoError(t, err)
	putDoc(t, db, coll, "m1", map[string]interface{}{"kind": "steady"})

	delegate := newRecordingDelegate()
	q, err := New(db, `doc.kind == "steady"`, LanguageCEL, true, delegate, nil)
	require.NoError(t, err)
	defer q.Stop()

	q.Start(Options{})
	delegate.waitForUpdate(t, 2*time.Second)
	require.Equal(t, 1, delegate.count())

	// Change notifications without an actual sequence move re-run the query
	// but must not notify: the snapshot is not obsoleted.
	time.Sleep(300 * time.Millisecond)
	q.TransactionCommitted()
	time.Sleep(300 * time.Millisecond)
	q.TransactionCommitted()
	time.Sleep(800 * time.Millisecond)

	assert.Equal(t, 1, delegate.count(),
		"identical results must not reach the delegate in continuous mode")
}

func TestLiveQuerierStopSuppressesUpdates(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.DefaultCollection()
	require.NoError(t, err)

	delegate := newRecordingDelegate()
	q, err := New(db, `doc.kind == "x"`, LanguageCEL, true, delegate, nil)
	require.NoError(t, err)

	q.Start(Options{})
	delegate.waitForUpdate(t, 2*time.Second)

	q.Stop()
	q.Stop() // idempotent

	putDoc(t, db, coll, "late", map[string]interface{}{"kind": "x"})
	time.Sleep(800 * time.Millisecond)

	assert.Equal(t, 1, delegate.count(), "no updates may arrive after Stop")
}

func TestLiveQuerierReportsCompileErrors(t *testing.T) {
	db := openTestDB(t)

	delegate := newRecordingDelegate()
	q, err := New(db, `this is not CEL ((`, LanguageCEL, false, delegate, nil)
	require.NoError(t, err, "compilation is lazy, construction must succeed")
	defer q.Stop()

	q.Start(Options{})
	delegate.waitForUpdate(t, 2*time.Second)

	_, updErr := delegate.last()
	require.Error(t, updErr, "the compile failure must reach the delegate")
}

func TestEnumeratorObsolescence(t *testing.T) {
	older := &Enumerator{lastSequence: 5}
	same := &Enumerator{lastSequence: 5}
	newer := &Enumerator{lastSequence: 9}

	assert.True(t, older.ObsoletedBy(newer))
	assert.False(t, older.ObsoletedBy(same))
	assert.False(t, newer.ObsoletedBy(older))
	assert.False(t, older.ObsoletedBy(nil))
}

func TestEnumeratorCursor(t *testing.T) {
	e := &Enumerator{rows: []Row{
		{Key: "a", Sequence: 1},
		{Key: "b", Sequence: 2},
	}}
	require.True(t, e.Next())
	assert.Equal(t, "a", e.Row().Key)
	require.True(t, e.Next())
	assert.Equal(t, "b", e.Row().Key)
	assert.False(t, e.Next())
}
