package si

import (
	"context"
	"fmt"
	"slices"

	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

// ConflictDetector is the write-path write-write check. Callers run Check
// inside kv.CheckAndMutate so the check and the write are atomic per row.
type ConflictDetector struct {
	supplier Supplier
}

func NewConflictDetector(supplier Supplier) *ConflictDetector {
	return &ConflictDetector{supplier: supplier}
}

// Check inspects every prior writer of row other than w and w's ancestors and
// fails with *txn.WriteConflictError when w may not write columns:
//   - a writer effectively committed after w began conflicts;
//   - a writer still in flight conflicts, unless both are additive and the
//     in-flight writer touched none of columns;
//   - rolled back writers are ignored.
func (d *ConflictDetector) Check(ctx context.Context, w *Actor, row *kv.Row, columns []string) error {
	for _, other := range row.Writers() {
		if w.IsSelfOrAncestor(other) {
			continue
		}

		reason, err := d.conflictWith(ctx, w, row, other, columns)
		if err != nil {
			return err
		}
		if reason == "" {
			continue
		}

		telemetry.WriteConflictsTotal.With(string(reason)).Inc()
		log.Debug().
			Uint64("txn_id", w.View.ID()).
			Uint64("conflicting_txn_id", other).
			Str("table", row.Table).
			Str("reason", string(reason)).
			Msg("Write conflict")
		return &txn.WriteConflictError{
			Table:            row.Table,
			Row:              row.Key,
			TxnID:            w.View.ID(),
			ConflictingTxnID: other,
			Reason:           reason,
		}
	}
	return nil
}

func (d *ConflictDetector) conflictWith(ctx context.Context, w *Actor, row *kv.Row, other uint64, columns []string) (txn.ConflictReason, error) {
	begin := w.View.BeginTimestamp()

	// A marker already settled the writer without a record lookup
	if m, ok := row.Marker(other); ok {
		if m.RolledBack || m.CommitTimestamp <= begin {
			return "", nil
		}
		return txn.ReasonCommittedAfterBegin, nil
	}

	v, err := d.supplier.GetTransaction(ctx, other, false)
	if err != nil {
		return "", fmt.Errorf("failed to load writer %d of %s: %w", other, row.Table, err)
	}

	inFlight := func() (txn.ConflictReason, error) {
		descendant, err := d.isDescendant(ctx, v, w)
		if err != nil || descendant {
			return "", err
		}
		if w.View.Additive() && v.Additive() && disjoint(row.ColumnsWrittenBy(other), columns) {
			return "", nil
		}
		return txn.ReasonConcurrentWriter, nil
	}

	switch v.State() {
	case txn.StateRolledBack:
		return "", nil
	case txn.StateActive, txn.StateCommitting:
		return inFlight()
	}

	eff, err := d.supplier.Effective(ctx, v)
	if err != nil {
		return "", err
	}
	switch {
	case eff.State == txn.StateRolledBack:
		return "", nil
	case eff.AncestorPending:
		// An earlier sibling statement merged into a shared ancestor
		merged, ok, err := mergedInto(ctx, d.supplier, v, w)
		if err != nil {
			return "", err
		}
		if ok {
			if merged <= begin {
				return "", nil
			}
			return txn.ReasonCommittedAfterBegin, nil
		}
		// Committed into a parent that may still commit after w began
		return inFlight()
	case eff.CommitTimestamp > begin:
		return txn.ReasonCommittedAfterBegin, nil
	}
	return "", nil
}

// isDescendant reports whether w is an ancestor of v, i.e. v is a nested
// transaction inside w whose writes w inherits.
func (d *ConflictDetector) isDescendant(ctx context.Context, v *txn.TxnView, w *Actor) (bool, error) {
	if v.IsRoot() || v.BeginTimestamp() < w.View.BeginTimestamp() {
		return false, nil
	}
	ancestors, err := d.supplier.Ancestors(ctx, v)
	if err != nil {
		return false, err
	}
	for _, anc := range ancestors {
		if anc.ID() == w.View.ID() {
			return true, nil
		}
	}
	return false, nil
}

func disjoint(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return false
		}
	}
	return true
}
