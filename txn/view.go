package txn

import "slices"

// TxnView is an immutable read projection of a transaction record.
// Views are shared between goroutines and caches; nothing mutates one after NewView.
type TxnView struct {
	rec        Record
	withTables bool
}

// NewView copies rec into a view. withTables records whether the destination
// tables were loaded; a view without them must not stand in for one with them.
func NewView(rec Record, withTables bool) *TxnView {
	if withTables {
		rec.DestinationTables = slices.Clone(rec.DestinationTables)
	} else {
		rec.DestinationTables = nil
	}
	return &TxnView{rec: rec, withTables: withTables}
}

func (v *TxnView) ID() uint64                     { return v.rec.ID }
func (v *TxnView) BeginTimestamp() uint64         { return v.rec.BeginTimestamp }
func (v *TxnView) ParentID() uint64               { return v.rec.ParentID }
func (v *TxnView) IsolationLevel() IsolationLevel { return v.rec.IsolationLevel }
func (v *TxnView) Additive() bool                 { return v.rec.Additive }
func (v *TxnView) State() State                   { return v.rec.State }
func (v *TxnView) CommitTimestamp() uint64        { return v.rec.CommitTimestamp }
func (v *TxnView) GlobalCommitTimestamp() uint64  { return v.rec.GlobalCommitTimestamp }
func (v *TxnView) KeepAliveTimestamp() int64      { return v.rec.KeepAliveTimestamp }
func (v *TxnView) IsRoot() bool                   { return v.rec.ParentID == 0 }
func (v *TxnView) HasDestinationTables() bool     { return v.withTables }

// DestinationTables returns a copy of the recorded table list
func (v *TxnView) DestinationTables() []string {
	return slices.Clone(v.rec.DestinationTables)
}

// Record returns a copy of the underlying record
func (v *TxnView) Record() Record {
	rec := v.rec
	rec.DestinationTables = slices.Clone(v.rec.DestinationTables)
	return rec
}

// WithState returns a new view identical to v except for its state.
// Used when a stale ACTIVE record is reclassified on read.
func (v *TxnView) WithState(s State) *TxnView {
	rec := v.Record()
	rec.State = s
	if s != StateCommitted {
		rec.CommitTimestamp = 0
	}
	return &TxnView{rec: rec, withTables: v.withTables}
}

// Effective is a transaction's state once its ancestor chain is accounted for
type Effective struct {
	State State
	// CommitTimestamp is the root ancestor's commit timestamp when State is committed
	CommitTimestamp uint64
	// AncestorPending is set when the transaction itself committed but an ancestor has not yet
	AncestorPending bool
	// PendingID is the transaction (self or ancestor) holding the state back, when not terminal
	PendingID uint64
}

// Committed reports whether the writes are visible to snapshots at or after CommitTimestamp
func (e Effective) Committed() bool {
	return e.State == StateCommitted && !e.AncestorPending
}
