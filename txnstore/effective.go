package txnstore

import (
	"context"
	"fmt"

	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

// maxAncestry bounds parent walks so a corrupt parent cycle cannot spin forever
const maxAncestry = 1024

// Effective resolves v's state with its ancestor chain accounted for. A
// committed child is effectively committed only once every ancestor is, at
// the root's commit timestamp. The first walk that proves this fills g on
// the child so later lookups skip the walk.
func (s *Store) Effective(ctx context.Context, v *txn.TxnView) (txn.Effective, error) {
	switch v.State() {
	case txn.StateRolledBack:
		return txn.Effective{State: txn.StateRolledBack}, nil
	case txn.StateCommitted:
	default:
		return txn.Effective{State: v.State(), PendingID: v.ID()}, nil
	}

	if v.IsRoot() {
		return txn.Effective{State: txn.StateCommitted, CommitTimestamp: v.CommitTimestamp()}, nil
	}
	if g := v.GlobalCommitTimestamp(); g != 0 {
		return txn.Effective{State: txn.StateCommitted, CommitTimestamp: g}, nil
	}

	cur := v
	rootTS := uint64(0)
	for depth := 0; rootTS == 0; depth++ {
		if depth >= maxAncestry {
			return txn.Effective{}, fmt.Errorf("txn %d ancestry deeper than %d", v.ID(), maxAncestry)
		}

		parent, err := s.GetTransaction(ctx, cur.ParentID(), false)
		if err != nil {
			return txn.Effective{}, fmt.Errorf("failed to load ancestor %d of txn %d: %w", cur.ParentID(), v.ID(), err)
		}

		switch parent.State() {
		case txn.StateRolledBack:
			return txn.Effective{State: txn.StateRolledBack}, nil
		case txn.StateCommitted:
		default:
			return txn.Effective{State: parent.State(), AncestorPending: true, PendingID: parent.ID()}, nil
		}

		switch {
		case parent.IsRoot():
			rootTS = parent.CommitTimestamp()
		case parent.GlobalCommitTimestamp() != 0:
			rootTS = parent.GlobalCommitTimestamp()
		default:
			cur = parent
		}
	}

	if err := s.SetGlobalCommitTimestamp(ctx, v.ID(), rootTS); err != nil {
		log.Debug().Err(err).Uint64("txn_id", v.ID()).Msg("Failed to record global commit timestamp")
	}
	return txn.Effective{State: txn.StateCommitted, CommitTimestamp: rootTS}, nil
}

// Ancestors returns v's ancestors, nearest parent first
func (s *Store) Ancestors(ctx context.Context, v *txn.TxnView) ([]*txn.TxnView, error) {
	var out []*txn.TxnView
	cur := v
	for !cur.IsRoot() {
		if len(out) >= maxAncestry {
			return nil, fmt.Errorf("txn %d ancestry deeper than %d", v.ID(), maxAncestry)
		}
		parent, err := s.GetTransaction(ctx, cur.ParentID(), false)
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor %d of txn %d: %w", cur.ParentID(), v.ID(), err)
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}
