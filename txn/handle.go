package txn

import (
	"slices"
	"sync"
)

// Txn is the mutable handle returned to the caller that began a transaction.
// Identity fields never change; state, writability and destination tables are
// updated by the engine under the handle's mutex.
type Txn struct {
	id             uint64
	beginTimestamp uint64
	parentID       uint64
	isolation      IsolationLevel
	additive       bool

	mu              sync.Mutex
	writable        bool
	state           State
	commitTimestamp uint64
	tables          []string
}

// NewTxn creates an ACTIVE handle
func NewTxn(id, beginTimestamp, parentID uint64, isolation IsolationLevel, additive, writable bool) *Txn {
	return &Txn{
		id:             id,
		beginTimestamp: beginTimestamp,
		parentID:       parentID,
		isolation:      isolation,
		additive:       additive,
		writable:       writable,
		state:          StateActive,
	}
}

func (t *Txn) ID() uint64                     { return t.id }
func (t *Txn) BeginTimestamp() uint64         { return t.beginTimestamp }
func (t *Txn) ParentID() uint64               { return t.parentID }
func (t *Txn) IsolationLevel() IsolationLevel { return t.isolation }
func (t *Txn) Additive() bool                 { return t.additive }

// Writable reports whether mutations are permitted
func (t *Txn) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writable
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) CommitTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitTimestamp
}

// DestinationTables returns the tables this handle has been elevated for or written to
func (t *Txn) DestinationTables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.tables)
}

// HasTable reports whether table is already recorded
func (t *Txn) HasTable(table string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Contains(t.tables, table)
}

// SetWritable grants write capability
func (t *Txn) SetWritable() {
	t.mu.Lock()
	t.writable = true
	t.mu.Unlock()
}

// AddTables records tables, returning the ones that were not yet present
func (t *Txn) AddTables(tables ...string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []string
	for _, tbl := range tables {
		if !slices.Contains(t.tables, tbl) && !slices.Contains(added, tbl) {
			added = append(added, tbl)
		}
	}
	t.tables = append(t.tables, added...)
	return added
}

// MarkCommitted moves the handle to COMMITTED
func (t *Txn) MarkCommitted(commitTimestamp uint64) {
	t.mu.Lock()
	t.state = StateCommitted
	t.commitTimestamp = commitTimestamp
	t.mu.Unlock()
}

// MarkRolledBack moves the handle to ROLLEDBACK
func (t *Txn) MarkRolledBack() {
	t.mu.Lock()
	t.state = StateRolledBack
	t.commitTimestamp = 0
	t.mu.Unlock()
}

// Record returns the handle's current content as a record
func (t *Txn) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{
		ID:                t.id,
		BeginTimestamp:    t.beginTimestamp,
		ParentID:          t.parentID,
		IsolationLevel:    t.isolation,
		Additive:          t.additive,
		State:             t.state,
		CommitTimestamp:   t.commitTimestamp,
		DestinationTables: slices.Clone(t.tables),
	}
}
