package si

import (
	"context"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

// ReturnCode is the per-cell decision handed back to the scan
type ReturnCode int

const (
	// Include the cell and keep scanning its column
	Include ReturnCode = iota
	// Skip the cell
	Skip
	// IncludeAndNextColumn includes the cell and stops on older versions of its column
	IncludeAndNextColumn
	// NextRow stops scanning the current row
	NextRow
)

func (c ReturnCode) String() string {
	switch c {
	case Include:
		return "INCLUDE"
	case Skip:
		return "SKIP"
	case IncludeAndNextColumn:
		return "INCLUDE_AND_NEXT_COLUMN"
	case NextRow:
		return "NEXT_ROW"
	default:
		return "UNKNOWN"
	}
}

// Enqueuer schedules asynchronous read resolution
type Enqueuer interface {
	Enqueue(table string, row []byte, writer uint64) *future.Future[Outcome]
}

type FilterOptions struct {
	// CommittingPause is the single bounded wait applied when a writer is COMMITTING
	CommittingPause time.Duration
	// Columns restricts the projection; once each has been decided the filter returns NextRow
	Columns []string
}

type writerDecision struct {
	visible bool
}

// Filter decides visibility of cells for one reader. It is not safe for
// concurrent use; create one per scan.
type Filter struct {
	ctx      context.Context
	reader   *Actor
	supplier Supplier
	resolver Enqueuer
	opts     FilterOptions

	projection map[string]struct{}
	decisions  map[uint64]writerDecision

	// per-row state
	table    string
	rowKey   []byte
	markers  map[uint64]kv.Marker
	enqueued map[uint64]struct{}
	decided  map[string]struct{}
	included int
	masked   int
	seen     map[string]struct{}
	err      error
}

func NewFilter(ctx context.Context, reader *Actor, supplier Supplier, resolver Enqueuer, opts FilterOptions) *Filter {
	f := &Filter{
		ctx:       ctx,
		reader:    reader,
		supplier:  supplier,
		resolver:  resolver,
		opts:      opts,
		decisions: make(map[uint64]writerDecision),
	}
	if len(opts.Columns) > 0 {
		f.projection = make(map[string]struct{}, len(opts.Columns))
		for _, c := range opts.Columns {
			f.projection[c] = struct{}{}
		}
	}
	f.Reset("", nil)
	return f
}

// Reset starts a new row
func (f *Filter) Reset(table string, rowKey []byte) {
	f.table = table
	f.rowKey = rowKey
	f.markers = make(map[uint64]kv.Marker)
	f.enqueued = make(map[uint64]struct{})
	f.decided = make(map[string]struct{})
	f.seen = make(map[string]struct{})
	f.included = 0
	f.masked = 0
	f.err = nil
}

// Err returns the first lookup failure in the current row. Cells after a
// failure are skipped, so a failed row must not be treated as complete.
func (f *Filter) Err() error {
	return f.err
}

// ExcludeRow reports whether the current row has no visible live column:
// every decided column was masked by a tombstone or nothing was visible.
func (f *Filter) ExcludeRow() bool {
	return len(f.seen) > 0 && f.included == 0
}

// FilterCell decides one cell of the current row. Cells must arrive in store
// order: columns ascending, versions newest first, markers first.
func (f *Filter) FilterCell(c kv.Cell) ReturnCode {
	if c.IsMarker() {
		if m, err := kv.DecodeMarker(c); err == nil {
			f.markers[c.Version] = m
		}
		return Skip
	}

	if f.projection != nil {
		if len(f.decided) == len(f.projection) {
			return NextRow
		}
		if _, ok := f.projection[c.Column]; !ok {
			return Skip
		}
	}

	if _, done := f.decided[c.Column]; done || f.err != nil {
		return Skip
	}
	f.seen[c.Column] = struct{}{}

	visible, err := f.visible(c.Version)
	if err != nil {
		f.err = err
		return Skip
	}
	if !visible {
		telemetry.VisibilityDecisionsTotal.With("skip").Inc()
		return Skip
	}

	// Newest visible version decides the column
	f.decided[c.Column] = struct{}{}
	telemetry.VisibilityDecisionsTotal.With("include").Inc()
	if c.Kind == kv.KindDelete {
		f.masked++
		return Skip
	}
	f.included++
	return IncludeAndNextColumn
}

// FilterRow applies FilterCell to every cell of row and returns the visible
// value per column. A nil map means the row is excluded.
func (f *Filter) FilterRow(row *kv.Row) (map[string]kv.Cell, error) {
	f.Reset(row.Table, row.Key)

	out := make(map[string]kv.Cell)
	for _, c := range row.Cells {
		code := f.FilterCell(c)
		if code == NextRow {
			break
		}
		if code == Include || code == IncludeAndNextColumn {
			out[c.Column] = c
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.ExcludeRow() {
		return nil, nil
	}
	return out, nil
}

func (f *Filter) visible(writer uint64) (bool, error) {
	r := f.reader.View
	if writer == r.ID() {
		return true, nil
	}

	if f.reader.IsAncestor(writer) {
		return f.ancestorVisible(writer)
	}

	if m, ok := f.markers[writer]; ok {
		if m.RolledBack {
			return false, nil
		}
		return f.committedVisible(m.CommitTimestamp), nil
	}

	// No marker in this row yet: resolution writes one once the writer settles
	f.scheduleResolution(writer)

	if d, ok := f.decisions[writer]; ok {
		return d.visible, nil
	}
	d, err := f.decide(writer)
	if err != nil {
		return false, err
	}
	f.decisions[writer] = d
	return d.visible, nil
}

// Writes of an ancestor stay visible to its nested transactions until the
// ancestor rolls back.
func (f *Filter) ancestorVisible(writer uint64) (bool, error) {
	v, err := f.supplier.GetTransaction(f.ctx, writer, false)
	if err != nil {
		return false, err
	}
	return v.State() != txn.StateRolledBack, nil
}

func (f *Filter) committedVisible(commitTS uint64) bool {
	if f.reader.View.IsolationLevel() == txn.Snapshot {
		return commitTS <= f.reader.View.BeginTimestamp()
	}
	return true
}

func (f *Filter) decide(writer uint64) (writerDecision, error) {
	v, err := f.supplier.GetTransaction(f.ctx, writer, false)
	if err != nil {
		return writerDecision{}, err
	}
	eff, err := f.supplier.Effective(f.ctx, v)
	if err != nil {
		return writerDecision{}, err
	}

	if eff.State == txn.StateCommitting && f.opts.CommittingPause > 0 {
		v, eff, err = f.awaitCommitting(writer, eff)
		if err != nil {
			return writerDecision{}, err
		}
	}

	switch {
	case eff.Committed():
		return writerDecision{visible: f.committedVisible(eff.CommitTimestamp)}, nil
	case eff.State == txn.StateRolledBack:
		return writerDecision{visible: false}, nil
	case eff.AncestorPending && v.State() == txn.StateCommitted:
		visible, err := f.committedInto(v)
		if err != nil {
			return writerDecision{}, err
		}
		return writerDecision{visible: visible || f.reader.View.IsolationLevel() == txn.ReadUncommitted}, nil
	case f.reader.View.IsolationLevel() == txn.ReadUncommitted:
		// Dirty reads see in-flight data, but never a rolled back writer
		return writerDecision{visible: v.State() != txn.StateRolledBack}, nil
	default:
		return writerDecision{visible: false}, nil
	}
}

// committedInto reports whether v committed, through committed intermediate
// ancestors, into the reader or one of the reader's ancestors. A transaction
// inherits such writes before its own commit; writes merged into an ancestor
// follow the reader's snapshot rule on the merge timestamp.
func (f *Filter) committedInto(v *txn.TxnView) (bool, error) {
	ancestors, err := f.supplier.Ancestors(f.ctx, v)
	if err != nil {
		return false, err
	}
	merged := v.CommitTimestamp()
	for _, anc := range ancestors {
		if anc.ID() == f.reader.View.ID() {
			return true, nil
		}
		if f.reader.IsAncestor(anc.ID()) {
			return f.committedVisible(merged), nil
		}
		if anc.State() != txn.StateCommitted {
			return false, nil
		}
		merged = anc.CommitTimestamp()
	}
	return false, nil
}

// awaitCommitting waits once for a COMMITTING writer (or ancestor) and re-reads it
func (f *Filter) awaitCommitting(writer uint64, eff txn.Effective) (*txn.TxnView, txn.Effective, error) {
	telemetry.VisibilityDecisionsTotal.With("committing_wait").Inc()

	timer := time.NewTimer(f.opts.CommittingPause)
	select {
	case <-timer.C:
	case <-f.ctx.Done():
		timer.Stop()
		return nil, txn.Effective{}, f.ctx.Err()
	}

	f.supplier.Invalidate(writer)
	if eff.PendingID != 0 {
		f.supplier.Invalidate(eff.PendingID)
	}

	v, err := f.supplier.GetTransaction(f.ctx, writer, false)
	if err != nil {
		return nil, txn.Effective{}, err
	}
	next, err := f.supplier.Effective(f.ctx, v)
	if err != nil {
		return nil, txn.Effective{}, err
	}
	if next.State == txn.StateCommitting {
		log.Debug().Uint64("txn_id", writer).Msg("Writer still committing after pause, treating as not visible")
	}
	return v, next, nil
}

func (f *Filter) scheduleResolution(writer uint64) {
	if f.resolver == nil || f.table == "" {
		return
	}
	if _, ok := f.enqueued[writer]; ok {
		return
	}
	f.enqueued[writer] = struct{}{}
	f.resolver.Enqueue(f.table, f.rowKey, writer)
}
