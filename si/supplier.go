// Package si implements snapshot isolation on top of the versioned store:
// write-write conflict detection, per-cell visibility, and lazy read resolution.
package si

import (
	"context"

	"github.com/maxpert/sitxn/txn"
)

// Supplier resolves transaction ids to views. txnstore.Store implements it.
type Supplier interface {
	GetTransaction(ctx context.Context, id uint64, includeDestinationTables bool) (*txn.TxnView, error)
	Effective(ctx context.Context, v *txn.TxnView) (txn.Effective, error)
	Ancestors(ctx context.Context, v *txn.TxnView) ([]*txn.TxnView, error)
	Invalidate(id uint64)
	IsStale(v *txn.TxnView) bool
	MarkTimedOut(ctx context.Context, id uint64) (bool, error)
	ScanActive(ctx context.Context, fn func(*txn.TxnView) bool) error
}

// Actor is a transaction together with its ancestor chain, resolved once per
// write or scan so ancestry checks do not repeat lookups.
type Actor struct {
	View      *txn.TxnView
	Ancestors []*txn.TxnView // nearest parent first
	byID      map[uint64]*txn.TxnView
}

// NewActor loads v's ancestors
func NewActor(ctx context.Context, supplier Supplier, v *txn.TxnView) (*Actor, error) {
	a := &Actor{View: v}
	if v.IsRoot() {
		return a, nil
	}

	ancestors, err := supplier.Ancestors(ctx, v)
	if err != nil {
		return nil, err
	}
	a.Ancestors = ancestors
	a.byID = make(map[uint64]*txn.TxnView, len(ancestors))
	for _, anc := range ancestors {
		a.byID[anc.ID()] = anc
	}
	return a, nil
}

// IsSelfOrAncestor reports whether id is the actor or one of its ancestors
func (a *Actor) IsSelfOrAncestor(id uint64) bool {
	if id == a.View.ID() {
		return true
	}
	_, ok := a.byID[id]
	return ok
}

// IsAncestor reports whether id is a strict ancestor
func (a *Actor) IsAncestor(id uint64) bool {
	_, ok := a.byID[id]
	return ok
}

// mergedInto walks v's committed ancestor chain. When the chain reaches a
// strict ancestor of a, it returns the commit timestamp at which v's writes
// became part of that ancestor.
func mergedInto(ctx context.Context, supplier Supplier, v *txn.TxnView, a *Actor) (uint64, bool, error) {
	if v.IsRoot() || a.View.IsRoot() {
		return 0, false, nil
	}
	ancestors, err := supplier.Ancestors(ctx, v)
	if err != nil {
		return 0, false, err
	}
	merged := v.CommitTimestamp()
	for _, anc := range ancestors {
		if a.IsAncestor(anc.ID()) {
			return merged, true, nil
		}
		if anc.State() != txn.StateCommitted {
			return 0, false, nil
		}
		merged = anc.CommitTimestamp()
	}
	return 0, false, nil
}
