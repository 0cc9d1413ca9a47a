// Package txnstore persists transaction records as independently updatable
// columns of one row per transaction and serves them through the transaction cache.
package txnstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

// TimestampSource issues commit timestamps
type TimestampSource interface {
	Next() (uint64, error)
}

// Cache is the view cache in front of the store
type Cache interface {
	GetActive(id uint64) (*txn.TxnView, bool)
	GetCompleted(id uint64) (*txn.TxnView, bool)
	PutActive(v *txn.TxnView)
	PutCompleted(v *txn.TxnView) bool
	Evict(id uint64)
}

type Options struct {
	// Timeout after which an ACTIVE record whose keep-alive stopped is rolled back
	Timeout time.Duration
	// Now overrides the wall clock in tests
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{Timeout: 150 * time.Second, Now: time.Now}
}

type Store struct {
	kv      kv.Store
	ts      TimestampSource
	cache   Cache
	timeout time.Duration
	now     func() time.Time
}

func New(kvs kv.Store, ts TimestampSource, cache Cache, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{kv: kvs, ts: ts, cache: cache, timeout: opts.Timeout, now: now}
}

// Timeout returns the configured transaction timeout
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *Store) stale(keepAlive int64) bool {
	return s.nowMS()-keepAlive > s.timeout.Milliseconds()
}

// AdjustStateForTimeout returns ROLLEDBACK for an ACTIVE state whose last
// keep-alive is older than the timeout, else the state unchanged.
func (s *Store) AdjustStateForTimeout(state txn.State, keepAlive int64) txn.State {
	if state == txn.StateActive && s.stale(keepAlive) {
		return txn.StateRolledBack
	}
	return state
}

// RecordNew inserts a new ACTIVE record. The keep-alive starts now.
func (s *Store) RecordNew(ctx context.Context, rec txn.Record) (*txn.TxnView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec.State = txn.StateActive
	rec.CommitTimestamp = 0
	rec.GlobalCommitTimestamp = 0
	rec.KeepAliveTimestamp = s.nowMS()

	cells, err := Encode(rec)
	if err != nil {
		return nil, err
	}

	err = s.kv.CheckAndMutate(RecordTable, RowKey(rec.ID), func(row *kv.Row) ([]kv.Cell, error) {
		if !row.Empty() {
			return nil, txn.ErrAlreadyExists
		}
		return cells, nil
	})
	if err != nil {
		return nil, err
	}

	view := txn.NewView(rec, true)
	s.cache.PutActive(view)
	return view, nil
}

// Commit moves an ACTIVE record through COMMITTING to COMMITTED with a freshly
// allocated timestamp. Committing an already committed record returns its
// stored timestamp with AdvisoryAlreadyCommitted.
func (s *Store) Commit(ctx context.Context, id uint64) (txn.CommitResult, error) {
	return s.commit(ctx, id, 0)
}

// CommitExpecting behaves like Commit but fails with ErrCommitTimestampMismatch
// when the record is already committed at a timestamp other than expected.
func (s *Store) CommitExpecting(ctx context.Context, id, expected uint64) (txn.CommitResult, error) {
	return s.commit(ctx, id, expected)
}

func (s *Store) commit(ctx context.Context, id, expected uint64) (txn.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return txn.CommitResult{}, err
	}

	key := RowKey(id)
	var result txn.CommitResult
	var timedOut bool
	var orphaned uint64
	var committed txn.Record

	err := s.kv.CheckAndMutate(RecordTable, key, func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, false)
		if err != nil {
			return nil, err
		}

		switch rec.State {
		case txn.StateCommitted:
			if expected != 0 && rec.CommitTimestamp != expected {
				return nil, txn.ErrCommitTimestampMismatch
			}
			result = txn.CommitResult{CommitTimestamp: rec.CommitTimestamp, Advisory: txn.AdvisoryAlreadyCommitted}
			return nil, nil
		case txn.StateRolledBack:
			return nil, &txn.NotActiveError{TxnID: id, State: rec.State}
		case txn.StateActive:
			if s.stale(rec.KeepAliveTimestamp) {
				timedOut = true
				return []kv.Cell{stateCell(txn.StateRolledBack)}, nil
			}
		case txn.StateCommitting:
			// Left behind by an attempt that failed before completing; finish it
		}

		// Readers that see COMMITTING wait instead of treating the writer as
		// uncommitted, so the window before the timestamp lands is bounded.
		if err := s.kv.MutateRow(RecordTable, key, []kv.Cell{stateCell(txn.StateCommitting)}); err != nil {
			return nil, err
		}
		s.cache.Evict(id)

		ts, err := s.ts.Next()
		if err != nil {
			if rbErr := s.kv.MutateRow(RecordTable, key, []kv.Cell{stateCell(txn.StateActive)}); rbErr != nil {
				log.Error().Err(rbErr).Uint64("txn_id", id).Msg("Failed to restore ACTIVE after allocator failure")
			}
			return nil, err
		}

		// Checked after the timestamp lands: an ancestor still ACTIVE here
		// commits later and so with a greater timestamp.
		if !rec.IsRoot() {
			closed, err := s.closedAncestor(rec.ParentID)
			if err != nil {
				return nil, err
			}
			if closed != 0 {
				orphaned = closed
				return []kv.Cell{stateCell(txn.StateRolledBack)}, nil
			}
		}

		rec.State = txn.StateCommitted
		rec.CommitTimestamp = ts
		cells := []kv.Cell{stateCell(txn.StateCommitted), uint64Cell(ColCommitTimestamp, ts)}
		if rec.IsRoot() {
			rec.GlobalCommitTimestamp = ts
			cells = append(cells, uint64Cell(ColGlobalCommitTS, ts))
		}
		committed = rec
		result = txn.CommitResult{CommitTimestamp: ts, Advisory: txn.AdvisoryNone}
		return cells, nil
	})
	if err != nil {
		return txn.CommitResult{}, err
	}

	s.cache.Evict(id)

	if timedOut {
		telemetry.TimeoutRollbacksTotal.Inc()
		log.Debug().Uint64("txn_id", id).Msg("Commit attempted after keep-alive expiry, rolled back")
		return txn.CommitResult{}, &txn.NotActiveError{TxnID: id, State: txn.StateRolledBack}
	}
	if orphaned != 0 {
		log.Debug().Uint64("txn_id", id).Uint64("ancestor_id", orphaned).Msg("Commit attempted after an ancestor completed, rolled back")
		return txn.CommitResult{}, &txn.NotActiveError{TxnID: id, State: txn.StateRolledBack}
	}
	if committed.ID != 0 {
		s.cache.PutCompleted(txn.NewView(committed, false))
	}
	return result, nil
}

// closedAncestor returns the id of the nearest ancestor, starting at parentID,
// that is no longer ACTIVE or has timed out, or 0 when the whole chain is
// live. Records are read from the store, not the cache.
func (s *Store) closedAncestor(parentID uint64) (uint64, error) {
	for depth, id := 0, parentID; id != 0; depth++ {
		if depth >= maxAncestry {
			return 0, fmt.Errorf("ancestry of txn %d deeper than %d", parentID, maxAncestry)
		}
		row, err := s.kv.ReadRow(RecordTable, RowKey(id))
		if err != nil {
			return 0, err
		}
		rec, err := Decode(id, row, false)
		if err != nil {
			return 0, err
		}
		if rec.State != txn.StateActive || s.stale(rec.KeepAliveTimestamp) {
			return id, nil
		}
		id = rec.ParentID
	}
	return 0, nil
}

// Rollback marks the record ROLLEDBACK. Rolling back twice is a no-op;
// rolling back a committed record fails with NotActiveError.
func (s *Store) Rollback(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.kv.CheckAndMutate(RecordTable, RowKey(id), func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, false)
		if err != nil {
			return nil, err
		}
		switch rec.State {
		case txn.StateRolledBack:
			return nil, nil
		case txn.StateCommitted:
			return nil, &txn.NotActiveError{TxnID: id, State: rec.State}
		}
		return []kv.Cell{stateCell(txn.StateRolledBack)}, nil
	})
	if err != nil {
		return err
	}
	s.cache.Evict(id)
	return nil
}

// GetTransaction returns the current view of id: completed tier, then active
// tier, then the store. An ACTIVE record past its keep-alive timeout comes
// back as ROLLEDBACK.
func (s *Store) GetTransaction(ctx context.Context, id uint64, includeDestinationTables bool) (*txn.TxnView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usable := func(v *txn.TxnView) bool {
		return !includeDestinationTables || v.HasDestinationTables()
	}

	if v, ok := s.cache.GetCompleted(id); ok && usable(v) {
		return v, nil
	}
	if v, ok := s.cache.GetActive(id); ok && usable(v) {
		return s.adjust(v), nil
	}

	row, err := s.kv.ReadRow(RecordTable, RowKey(id))
	if err != nil {
		return nil, err
	}
	rec, err := Decode(id, row, includeDestinationTables)
	if err != nil {
		return nil, err
	}

	view := s.adjust(txn.NewView(rec, includeDestinationTables))
	if view.State().IsTerminal() {
		// Staleness is permanent: KeepAlive and Commit refuse a stale record
		s.cache.PutCompleted(view)
	} else {
		s.cache.PutActive(view)
	}
	return view, nil
}

func (s *Store) adjust(v *txn.TxnView) *txn.TxnView {
	if adjusted := s.AdjustStateForTimeout(v.State(), v.KeepAliveTimestamp()); adjusted != v.State() {
		return v.WithState(adjusted)
	}
	return v
}

// KeepAlive renews the keep-alive column only. It returns false, persisting
// ROLLEDBACK if needed, when the record is terminal or already stale.
func (s *Store) KeepAlive(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	alive := false
	timedOut := false
	err := s.kv.CheckAndMutate(RecordTable, RowKey(id), func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, false)
		if err != nil {
			return nil, err
		}
		if rec.State.IsTerminal() {
			return nil, nil
		}
		if rec.State == txn.StateActive && s.stale(rec.KeepAliveTimestamp) {
			timedOut = true
			return []kv.Cell{stateCell(txn.StateRolledBack)}, nil
		}
		alive = true
		return []kv.Cell{keepAliveCell(s.nowMS())}, nil
	})
	if err != nil {
		return false, err
	}
	if timedOut {
		telemetry.TimeoutRollbacksTotal.Inc()
		s.cache.Evict(id)
		log.Warn().Uint64("txn_id", id).Msg("Keep-alive arrived after timeout, transaction rolled back")
	}
	return alive, nil
}

// AddDestinationTables appends tables to the record's destination list
func (s *Store) AddDestinationTables(ctx context.Context, id uint64, tables ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	err := s.kv.CheckAndMutate(RecordTable, RowKey(id), func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, true)
		if err != nil {
			return nil, err
		}
		if state := s.AdjustStateForTimeout(rec.State, rec.KeepAliveTimestamp); state != txn.StateActive {
			return nil, &txn.NotActiveError{TxnID: id, State: state}
		}

		merged := rec.DestinationTables
		for _, t := range tables {
			if !slices.Contains(merged, t) {
				merged = append(merged, t)
			}
		}
		if len(merged) == len(rec.DestinationTables) {
			return nil, nil
		}
		cell, err := tablesCell(merged)
		if err != nil {
			return nil, err
		}
		return []kv.Cell{cell}, nil
	})
	if err != nil {
		return err
	}
	s.cache.Evict(id)
	return nil
}

// SetGlobalCommitTimestamp fills g on a committed child once its root ancestor's
// commit timestamp is known. Writing the same value again is a no-op.
func (s *Store) SetGlobalCommitTimestamp(ctx context.Context, id, ts uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var updated txn.Record
	err := s.kv.CheckAndMutate(RecordTable, RowKey(id), func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, true)
		if err != nil {
			return nil, err
		}
		if rec.State != txn.StateCommitted {
			return nil, &txn.NotActiveError{TxnID: id, State: rec.State}
		}
		if rec.GlobalCommitTimestamp == ts {
			return nil, nil
		}
		if rec.GlobalCommitTimestamp != 0 {
			return nil, txn.ErrCommitTimestampMismatch
		}
		rec.GlobalCommitTimestamp = ts
		updated = rec
		return []kv.Cell{uint64Cell(ColGlobalCommitTS, ts)}, nil
	})
	if err != nil {
		return err
	}
	if updated.ID != 0 {
		s.cache.PutCompleted(txn.NewView(updated, true))
	}
	return nil
}

// MarkTimedOut persists ROLLEDBACK for a record that is still ACTIVE or
// COMMITTING and stale. A stale COMMITTING record never wrote its commit
// timestamp, since t and s=COMMITTED land in one write. Returns whether it wrote.
func (s *Store) MarkTimedOut(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	marked := false
	err := s.kv.CheckAndMutate(RecordTable, RowKey(id), func(row *kv.Row) ([]kv.Cell, error) {
		rec, err := Decode(id, row, false)
		if err != nil {
			return nil, err
		}
		if rec.State.IsTerminal() || !s.stale(rec.KeepAliveTimestamp) {
			return nil, nil
		}
		marked = true
		return []kv.Cell{stateCell(txn.StateRolledBack)}, nil
	})
	if err != nil {
		return false, err
	}
	if marked {
		telemetry.TimeoutRollbacksTotal.Inc()
		s.cache.Evict(id)
		log.Debug().Uint64("txn_id", id).Msg("Stale transaction rolled back")
	}
	return marked, nil
}

// errStopScan ends ScanActive early without surfacing an error
var errStopScan = errors.New("stop scan")

// ScanActive visits every record whose persisted state is ACTIVE or COMMITTING.
// Views include destination tables and are not timeout-adjusted. fn returning
// false stops the scan.
func (s *Store) ScanActive(ctx context.Context, fn func(*txn.TxnView) bool) error {
	err := s.kv.Scan(RecordTable, nil, nil, func(row *kv.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(row.Key) != 8 {
			return nil
		}
		id := decodeRowKey(row.Key)
		rec, err := Decode(id, row, true)
		if err != nil {
			log.Warn().Err(err).Uint64("txn_id", id).Msg("Skipping undecodable transaction record")
			return nil
		}
		if rec.State.IsTerminal() {
			return nil
		}
		if !fn(txn.NewView(rec, true)) {
			return errStopScan
		}
		return nil
	})
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// Invalidate drops id from the active tier so the next lookup reads the store
func (s *Store) Invalidate(id uint64) {
	s.cache.Evict(id)
}

// IsStale reports whether v's keep-alive has expired
func (s *Store) IsStale(v *txn.TxnView) bool {
	return s.stale(v.KeepAliveTimestamp())
}
