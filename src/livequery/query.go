package livequery

import (
	"fmt"

	"driftdb/src/dberr"
	"driftdb/src/engine"
	"driftdb/src/models"
	"driftdb/src/storage"

	"github.com/google/cel-go/cel"
	"go.mongodb.org/mongo-driver/bson"
)

// QueryLanguage selects how query text is compiled.
type QueryLanguage int

const (
	// LanguageCEL is a bare CEL boolean expression over the variables
	// `doc` (the document fields) and `meta` (key, sequence, expiration).
	LanguageCEL QueryLanguage = iota
	// LanguageJSON is a JSON descriptor {"collection": ..., "filter": ...}
	// whose filter is itself a CEL expression.
	LanguageJSON
)

// Options bound a query's result set.
type Options struct {
	Skip  int
	Limit int // 0 means unlimited
}

type jsonDescriptor struct {
	Collection string `bson:"collection"`
	Filter     string `bson:"filter"`
}

// Query is a compiled filter bound to one collection.
type Query struct {
	text       string
	language   QueryLanguage
	collection string
	program    cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Compile parses and type-checks query text.
func Compile(text string, language QueryLanguage) (*Query, error) {
	collection := engine.DefaultCollectionName
	filter := text

	switch language {
	case LanguageCEL:
	case LanguageJSON:
		var desc jsonDescriptor
		if err := bson.UnmarshalExtJSON([]byte(text), false, &desc); err != nil {
			return nil, dberr.Wrap(err, dberr.LiteDomain, dberr.InvalidParameter,
				"query descriptor is not valid JSON")
		}
		if desc.Filter == "" {
			return nil, dberr.New(dberr.LiteDomain, dberr.InvalidParameter,
				"query descriptor has no filter")
		}
		filter = desc.Filter
		if desc.Collection != "" {
			collection = desc.Collection
		}
	default:
		return nil, dberr.Newf(dberr.LiteDomain, dberr.Unimplemented,
			"unknown query language %d", language)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("cannot build query environment: %w", err)
	}
	ast, iss := env.Compile(filter)
	if iss != nil && iss.Err() != nil {
		return nil, dberr.Wrap(iss.Err(), dberr.LiteDomain, dberr.InvalidParameter,
			"query does not compile")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cannot build query program: %w", err)
	}

	return &Query{
		text:       text,
		language:   language,
		collection: collection,
		program:    program,
	}, nil
}

func (q *Query) Text() string            { return q.text }
func (q *Query) Language() QueryLanguage { return q.language }
func (q *Query) Collection() string      { return q.collection }

// Run evaluates the query against one data-file handle and returns an
// immutable result snapshot in key order.
func (q *Query) Run(df *storage.DataFile, opts Options) (*Enumerator, error) {
	storeName := engine.CollectionNameToKeyStoreName(q.collection)
	if storeName == "" {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"query references invalid collection %q", q.collection)
	}
	store, err := df.GetKeyStore(storeName, true)
	if err != nil {
		return nil, err
	}

	var rows []Row
	var evalErr error
	skipped := 0
	store.Iterate(func(rec models.Record) bool {
		var fields map[string]interface{}
		if len(rec.Body) > 0 {
			if err := bson.Unmarshal(rec.Body, &fields); err != nil {
				evalErr = dberr.Wrap(err, dberr.FleeceDomain, dberr.CorruptRevisionData,
					"stored document body does not decode")
				return false
			}
		}
		out, _, err := q.program.Eval(map[string]interface{}{
			"doc": fields,
			"meta": map[string]interface{}{
				"key":        rec.Key,
				"sequence":   int64(rec.Sequence),
				"expiration": rec.Expiration,
			},
		})
		if err != nil {
			evalErr = dberr.Wrap(err, dberr.LiteDomain, dberr.InvalidParameter,
				"query evaluation failed")
			return false
		}
		match, ok := out.Value().(bool)
		if !ok || !match {
			return true
		}
		if skipped < opts.Skip {
			skipped++
			return true
		}
		rows = append(rows, Row{Key: rec.Key, Fields: fields, Sequence: rec.Sequence})
		return opts.Limit == 0 || len(rows) < opts.Limit
	})
	if evalErr != nil {
		return nil, evalErr
	}

	return &Enumerator{
		rows:         rows,
		lastSequence: store.LastSequence(),
		options:      opts,
	}, nil
}
