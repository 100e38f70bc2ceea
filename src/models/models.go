package models

import "time"

// RecordFlags mark properties of a stored record.
type RecordFlags uint8

const (
	RecordDeleted RecordFlags = 1 << iota
	RecordHasAttachments
	RecordConflicted
)

// Record is one entry of a key-store: a byte-string key mapped to
// (meta, body, sequence) plus an optional absolute expiration.
type Record struct {
	Key        string
	Flags      RecordFlags
	Body       []byte // BSON document body
	Sequence   uint64
	Expiration int64 // unix millis; 0 means no expiration
}

// Exists reports whether the record holds a live (non-tombstone) body.
func (r *Record) Exists() bool {
	return r.Flags&RecordDeleted == 0
}

// Document is the decoded form of a record body handed to callers.
type Document struct {
	DocumentID string
	Fields     map[string]interface{}
	Sequence   uint64
	Expiration int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BlobRef is one content-addressed attachment reference found inside a
// document body.
type BlobRef struct {
	Digest string
	Length int64
}
