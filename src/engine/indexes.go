package engine

import (
	"strings"

	btreeindex "driftdb/src/btree_index"
	"driftdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
)

// collectionSource adapts a collection's document scan to index builds.
type collectionSource struct {
	c *Collection
}

func (s collectionSource) LastSequence() uint64 {
	return s.c.LastSequence()
}

func (s collectionSource) ScanFields(field string,
	emit func(value interface{}, docID string, sequence uint64) error) error {

	var scanErr error
	s.c.EachDocument(func(rec models.Record) bool {
		var fields map[string]interface{}
		if err := bson.Unmarshal(rec.Body, &fields); err != nil {
			s.c.db.logger.Warnf("Skipping undecodable document %q during index scan: %v",
				rec.Key, err)
			return true
		}
		value, ok := lookupField(fields, field)
		if !ok {
			return true
		}
		if err := emit(value, rec.Key, rec.Sequence); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	return scanErr
}

// lookupField resolves a dotted path like "address.city" against a decoded
// document.
func lookupField(fields map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (c *Collection) indexManager() *btreeindex.Manager {
	c.idxOnce.Do(func() {
		c.idx = btreeindex.NewManager(collectionSource{c: c}, "", 0, c.db.logger)
	})
	return c.idx
}

// CreateIndex builds a sorted index over one document field. An existing
// index on the same field is rebuilt.
func (c *Collection) CreateIndex(field string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.indexManager().CreateIndex(field)
}

// SearchIndex returns the documents whose field equals the given value.
func (c *Collection) SearchIndex(field string, value interface{}) ([]btreeindex.Match, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.indexManager().Search(field, value)
}

// SearchIndexRange returns the documents whose field lies in [min, max],
// bounds inclusive. A nil bound leaves that side open.
func (c *Collection) SearchIndexRange(field string, min, max interface{}) ([]btreeindex.Match, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.indexManager().SearchRange(field, min, max)
}

// ListIndexes returns the indexed field names.
func (c *Collection) ListIndexes() []string {
	return c.indexManager().ListIndexes()
}

// DropIndex removes the index on a field.
func (c *Collection) DropIndex(field string) error {
	return c.indexManager().DropIndex(field)
}
