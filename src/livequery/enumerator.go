package livequery

// Row is one query result.
type Row struct {
	Key      string
	Fields   map[string]interface{}
	Sequence uint64
}

// Enumerator is an immutable snapshot of a query's result set. Once handed
// to a delegate it is never mutated; each run produces a new one, so
// observers may keep reading an older enumerator safely.
type Enumerator struct {
	rows         []Row
	lastSequence uint64
	options      Options

	cursor int
}

func (e *Enumerator) Count() int       { return len(e.rows) }
func (e *Enumerator) Rows() []Row      { return e.rows }
func (e *Enumerator) Options() Options { return e.options }

// LastSequence is the key-store high-water mark the snapshot was taken at.
func (e *Enumerator) LastSequence() uint64 { return e.lastSequence }

// Next advances the cursor. Returns false past the last row.
func (e *Enumerator) Next() bool {
	if e.cursor >= len(e.rows) {
		return false
	}
	e.cursor++
	return true
}

// Row returns the row at the cursor. Only valid after Next returned true.
func (e *Enumerator) Row() Row {
	return e.rows[e.cursor-1]
}

// ObsoletedBy reports whether a newer enumeration may differ from this
// one: true iff the newer snapshot observed a higher sequence. Equal
// sequences mean the results are identical.
func (e *Enumerator) ObsoletedBy(newer *Enumerator) bool {
	return newer != nil && newer.lastSequence > e.lastSequence
}
