package server

import (
	"encoding/json"
	"fmt"
	"sync"

	btreeindex "driftdb/src/btree_index"
	"driftdb/src/directors"
	"driftdb/src/engine"
	"driftdb/src/livequery"
	"driftdb/src/socket"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// request is one client command frame.
type request struct {
	ID         uint64                 `json:"id"`
	Op         string                 `json:"op"`
	Bundle     string                 `json:"bundle,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Key        string                 `json:"key,omitempty"`
	Body       map[string]interface{} `json:"body,omitempty"`
	Expiration int64                  `json:"expiration,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Language   string                 `json:"language,omitempty"`
	Skip       int                    `json:"skip,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Handle     uint64                 `json:"handle,omitempty"`
	Field      string                 `json:"field,omitempty"`
	Value      interface{}            `json:"value,omitempty"`
	Min        interface{}            `json:"min,omitempty"`
	Max        interface{}            `json:"max,omitempty"`
}

// response answers one request by ID.
type response struct {
	ID     uint64      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// queryUpdate is an unsolicited live-query result push.
type queryUpdate struct {
	LiveQuery uint64     `json:"liveQuery"`
	Rows      []queryRow `json:"rows,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type queryRow struct {
	Key      string                 `json:"key"`
	Sequence uint64                 `json:"sequence"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// session serves one accepted connection. It receives frames through the
// socket observer interface, so all inbound handling is serialized.
type session struct {
	server *Server
	connID uint64
	sock   *socket.Socket
	logger *zap.SugaredLogger

	socket.NopObserver

	mu          sync.Mutex
	bundle      *engine.Database
	bundleName  string
	nextQueryID uint64
	queries     map[uint64]uint64 // session handle -> service handle
}

func newSession(server *Server, connID uint64, sock *socket.Socket) *session {
	return &session{
		server:  server,
		connID:  connID,
		sock:    sock,
		logger:  server.logger.With("connID", connID),
		queries: make(map[uint64]uint64),
	}
}

func (sess *session) OnReceived(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		sess.logger.Warnf("Dropping malformed frame: %v", err)
		return
	}
	result, err := sess.dispatch(&req)
	resp := response{ID: req.ID, OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	sess.send(resp)
	sess.sock.ReceiveComplete(len(data))
}

func (sess *session) OnClosed(status socket.CloseStatus) {
	sess.logger.Infof("Connection closed: %s code=%d %s",
		status.Reason, status.Code, status.Message)
}

func (sess *session) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		sess.logger.Errorf("Failed to encode frame: %v", err)
		return
	}
	sess.sock.SendBytes(data)
}

func (sess *session) close(status int, message string) {
	sess.sock.RequestClose(status, message)
}

// teardown runs after the connection is gone: stops the session's live
// queries and releases the socket.
func (sess *session) teardown() {
	sess.mu.Lock()
	queries := sess.queries
	sess.queries = make(map[uint64]uint64)
	sess.mu.Unlock()
	for _, serviceHandle := range queries {
		sess.server.liveQueryService.StopQuery(serviceHandle)
	}
	sess.sock.Dispose()
}

func (sess *session) dispatch(req *request) (interface{}, error) {
	services := directors.GetServiceManager()
	switch req.Op {
	case "openBundle":
		return sess.openBundle(req)
	case "closeBundle":
		return nil, services.BundleService.CloseBundle(req.Bundle)
	case "deleteBundle":
		return nil, services.BundleService.DeleteBundle(req.Bundle)
	case "listBundles":
		return services.BundleService.ListBundles(), nil
	case "createCollection":
		return sess.createCollection(req)
	case "collections":
		db, err := sess.currentBundle()
		if err != nil {
			return nil, err
		}
		return db.GetCollectionNames(), nil
	case "deleteCollection":
		db, err := sess.currentBundle()
		if err != nil {
			return nil, err
		}
		return nil, db.DeleteCollection(req.Collection)
	case "put":
		return sess.putDocument(req)
	case "get":
		return sess.getDocument(req)
	case "delete":
		return sess.deleteDocument(req)
	case "query":
		return sess.runQuery(req)
	case "liveQuery":
		return sess.startLiveQuery(req)
	case "stopLiveQuery":
		return nil, sess.stopLiveQuery(req.Handle)
	case "createIndex":
		coll, err := sess.collection(req)
		if err != nil {
			return nil, err
		}
		if err := coll.CreateIndex(req.Field); err != nil {
			return nil, err
		}
		return req.Field, nil
	case "search":
		coll, err := sess.collection(req)
		if err != nil {
			return nil, err
		}
		matches, err := coll.SearchIndex(req.Field, req.Value)
		if err != nil {
			return nil, err
		}
		return matchRows(matches), nil
	case "searchRange":
		coll, err := sess.collection(req)
		if err != nil {
			return nil, err
		}
		matches, err := coll.SearchIndexRange(req.Field, req.Min, req.Max)
		if err != nil {
			return nil, err
		}
		return matchRows(matches), nil
	case "listIndexes":
		coll, err := sess.collection(req)
		if err != nil {
			return nil, err
		}
		return coll.ListIndexes(), nil
	case "dropIndex":
		coll, err := sess.collection(req)
		if err != nil {
			return nil, err
		}
		return nil, coll.DropIndex(req.Field)
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
}

func (sess *session) openBundle(req *request) (interface{}, error) {
	db, err := sess.server.bundleService.OpenBundle(req.Bundle)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.bundle = db
	sess.bundleName = req.Bundle
	sess.mu.Unlock()
	return req.Bundle, nil
}

func (sess *session) currentBundle() (*engine.Database, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.bundle == nil {
		return nil, fmt.Errorf("no bundle open on this connection")
	}
	return sess.bundle, nil
}

func (sess *session) collection(req *request) (*engine.Collection, error) {
	db, err := sess.currentBundle()
	if err != nil {
		return nil, err
	}
	// An omitted collection field addresses the default collection.
	name := req.Collection
	if name == "" {
		name = engine.DefaultCollectionName
	}
	coll, err := db.GetCollection(name)
	if err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, fmt.Errorf("collection '%s' not found", name)
	}
	return coll, nil
}

func (sess *session) createCollection(req *request) (interface{}, error) {
	db, err := sess.currentBundle()
	if err != nil {
		return nil, err
	}
	coll, err := db.CreateCollection(req.Collection)
	if err != nil {
		return nil, err
	}
	return coll.Name(), nil
}

func (sess *session) putDocument(req *request) (interface{}, error) {
	coll, err := sess.collection(req)
	if err != nil {
		return nil, err
	}
	body, err := bson.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document body: %w", err)
	}
	db := coll.Database()
	if err := db.BeginTransaction(); err != nil {
		return nil, err
	}
	seq, err := coll.PutDocument(req.Key, body, req.Expiration)
	if endErr := db.EndTransaction(err == nil); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func (sess *session) getDocument(req *request) (interface{}, error) {
	coll, err := sess.collection(req)
	if err != nil {
		return nil, err
	}
	doc, err := coll.GetDocument(req.Key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return queryRow{Key: doc.DocumentID, Sequence: doc.Sequence, Fields: doc.Fields}, nil
}

func (sess *session) deleteDocument(req *request) (interface{}, error) {
	coll, err := sess.collection(req)
	if err != nil {
		return nil, err
	}
	db := coll.Database()
	if err := db.BeginTransaction(); err != nil {
		return nil, err
	}
	deleted, err := coll.DeleteDocument(req.Key)
	if endErr := db.EndTransaction(err == nil); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func queryLanguageOf(name string) (livequery.QueryLanguage, error) {
	switch name {
	case "", "cel":
		return livequery.LanguageCEL, nil
	case "json":
		return livequery.LanguageJSON, nil
	default:
		return 0, fmt.Errorf("unknown query language %q", name)
	}
}

func matchRows(matches []btreeindex.Match) []queryRow {
	rows := make([]queryRow, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, queryRow{Key: m.DocID, Sequence: m.Sequence})
	}
	return rows
}

func rowsOf(e *livequery.Enumerator) []queryRow {
	rows := make([]queryRow, 0, e.Count())
	for _, row := range e.Rows() {
		rows = append(rows, queryRow{Key: row.Key, Sequence: row.Sequence, Fields: row.Fields})
	}
	return rows
}

func (sess *session) runQuery(req *request) (interface{}, error) {
	db, err := sess.currentBundle()
	if err != nil {
		return nil, err
	}
	language, err := queryLanguageOf(req.Language)
	if err != nil {
		return nil, err
	}
	query, err := livequery.Compile(req.Query, language)
	if err != nil {
		return nil, err
	}
	e, err := query.Run(db.DataFile(), livequery.Options{Skip: req.Skip, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return rowsOf(e), nil
}

// queryPush forwards live-query updates to the client.
type queryPush struct {
	sess *session
	id   uint64
}

func (p *queryPush) LiveQuerierUpdated(e *livequery.Enumerator, err error) {
	update := queryUpdate{LiveQuery: p.id}
	if err != nil {
		update.Error = err.Error()
	} else if e != nil {
		update.Rows = rowsOf(e)
	}
	p.sess.send(update)
}

func (sess *session) startLiveQuery(req *request) (interface{}, error) {
	db, err := sess.currentBundle()
	if err != nil {
		return nil, err
	}
	language, err := queryLanguageOf(req.Language)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.nextQueryID++
	id := sess.nextQueryID
	sess.mu.Unlock()

	serviceHandle, err := sess.server.liveQueryService.StartQuery(db, req.Query, language,
		livequery.Options{Skip: req.Skip, Limit: req.Limit}, &queryPush{sess: sess, id: id})
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.queries[id] = serviceHandle
	sess.mu.Unlock()
	return id, nil
}

func (sess *session) stopLiveQuery(id uint64) error {
	sess.mu.Lock()
	serviceHandle, ok := sess.queries[id]
	if ok {
		delete(sess.queries, id)
	}
	sess.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live query with handle %d", id)
	}
	return sess.server.liveQueryService.StopQuery(serviceHandle)
}
