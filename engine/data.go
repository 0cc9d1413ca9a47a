package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/si"
	"github.com/maxpert/sitxn/txn"
	"github.com/maxpert/sitxn/txnstore"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRowNotFound: the row has no column visible to the reader
	ErrRowNotFound = errors.New("row not found")
	// ErrInvalidMutation: empty mutation set, empty column, or a reserved column
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Mutation sets or deletes one column of a row
type Mutation struct {
	Column string
	Value  []byte
	Delete bool
}

// Put returns a mutation setting column to value
func Put(column string, value []byte) Mutation {
	return Mutation{Column: column, Value: value}
}

// Delete returns a mutation deleting column
func Delete(column string) Mutation {
	return Mutation{Column: column, Delete: true}
}

// Write applies mutations to one row as t. The conflict check and the cell
// write happen under the row lock, so of two overlapping writers exactly one
// succeeds and the other gets a *txn.WriteConflictError.
func (e *Engine) Write(ctx context.Context, t *txn.Txn, table string, row []byte, mutations ...Mutation) error {
	m := newOpMetrics("write")

	if !t.Writable() {
		return m.failure(&txn.ReadOnlyError{TxnID: t.ID(), Table: table})
	}
	cells, columns, err := buildCells(t.ID(), table, row, mutations)
	if err != nil {
		return m.failure(err)
	}

	v, err := e.activeView(ctx, t)
	if err != nil {
		return m.failure(err)
	}
	if added := t.AddTables(table); len(added) > 0 {
		if err := e.records.AddDestinationTables(ctx, t.ID(), added...); err != nil {
			return m.failure(err)
		}
	}

	actor, err := si.NewActor(ctx, e.records, v)
	if err != nil {
		return m.failure(err)
	}
	if err := e.rejectOrphan(ctx, t, actor); err != nil {
		return m.failure(err)
	}

	err = e.kv.CheckAndMutate(table, row, func(current *kv.Row) ([]kv.Cell, error) {
		if err := e.conflicts.Check(ctx, actor, current, columns); err != nil {
			return nil, err
		}
		return cells, nil
	})
	if err != nil {
		return m.failure(err)
	}

	e.noteWrite(t.ID())
	m.success()
	return nil
}

// rejectOrphan rolls back a nested transaction once any ancestor has
// committed, rolled back or timed out. Its writes could otherwise land after
// the ancestor's commit timestamp was handed out.
func (e *Engine) rejectOrphan(ctx context.Context, t *txn.Txn, actor *si.Actor) error {
	for _, anc := range actor.Ancestors {
		if anc.State() == txn.StateActive {
			continue
		}
		log.Debug().
			Uint64("txn_id", t.ID()).
			Uint64("ancestor_id", anc.ID()).
			Str("ancestor_state", anc.State().String()).
			Msg("Ancestor completed, rolling back nested transaction")
		if err := e.RollbackID(ctx, t.ID()); err != nil && !txn.IsNotActive(err) {
			return err
		}
		t.MarkRolledBack()
		return &txn.NotActiveError{TxnID: t.ID(), State: txn.StateRolledBack}
	}
	return nil
}

func buildCells(id uint64, table string, row []byte, mutations []Mutation) ([]kv.Cell, []string, error) {
	if table == "" || len(row) == 0 || len(mutations) == 0 {
		return nil, nil, fmt.Errorf("%w: table, row and at least one mutation are required", ErrInvalidMutation)
	}
	if table == txnstore.RecordTable {
		return nil, nil, fmt.Errorf("%w: table %s is reserved", ErrInvalidMutation, table)
	}

	cells := make([]kv.Cell, 0, len(mutations))
	columns := make([]string, 0, len(mutations))
	for _, mut := range mutations {
		if mut.Column == "" || mut.Column == kv.MarkerColumn {
			return nil, nil, fmt.Errorf("%w: column %q", ErrInvalidMutation, mut.Column)
		}
		c := kv.Cell{Column: mut.Column, Version: id, Kind: kv.KindPut, Value: mut.Value}
		if mut.Delete {
			c.Kind = kv.KindDelete
			c.Value = nil
		}
		cells = append(cells, c)
		columns = append(columns, mut.Column)
	}
	return cells, columns, nil
}

// Get returns the columns of row visible to t, restricted to columns when
// given. ErrRowNotFound means nothing is visible.
func (e *Engine) Get(ctx context.Context, t *txn.Txn, table string, row []byte, columns ...string) (map[string][]byte, error) {
	flt, err := e.newFilter(ctx, t, columns)
	if err != nil {
		return nil, err
	}

	r, err := e.kv.ReadRow(table, row)
	if err != nil {
		return nil, err
	}
	visible, err := flt.FilterRow(r)
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, ErrRowNotFound
	}
	return cellValues(visible), nil
}

// Scan visits rows of table in [start, end) with the columns visible to t.
// Rows with nothing visible are skipped. A nil end scans to the table's end.
func (e *Engine) Scan(ctx context.Context, t *txn.Txn, table string, start, end []byte, fn func(row []byte, values map[string][]byte) error) error {
	flt, err := e.newFilter(ctx, t, nil)
	if err != nil {
		return err
	}

	return e.kv.Scan(table, start, end, func(r *kv.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		visible, err := flt.FilterRow(r)
		if err != nil {
			return err
		}
		if len(visible) == 0 {
			return nil
		}
		return fn(r.Key, cellValues(visible))
	})
}

func (e *Engine) newFilter(ctx context.Context, t *txn.Txn, columns []string) (*si.Filter, error) {
	v, err := e.activeView(ctx, t)
	if err != nil {
		return nil, err
	}
	actor, err := si.NewActor(ctx, e.records, v)
	if err != nil {
		return nil, err
	}
	return si.NewFilter(ctx, actor, e.records, e.resolver, si.FilterOptions{
		CommittingPause: e.opts.CommittingPause,
		Columns:         columns,
	}), nil
}

func cellValues(cells map[string]kv.Cell) map[string][]byte {
	out := make(map[string][]byte, len(cells))
	for col, c := range cells {
		out[col] = c.Value
	}
	return out
}
