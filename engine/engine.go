// Package engine is the transaction engine context: it owns the record store,
// the view cache, keep-alive renewal, read resolution and the rollforward
// sweep, and exposes the transaction lifecycle and the versioned data path.
// Construct one per process and pass it to callers.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/maxpert/sitxn/keepalive"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/notify"
	"github.com/maxpert/sitxn/si"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/maxpert/sitxn/txncache"
	"github.com/maxpert/sitxn/txnstore"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("transaction engine closed")

type Engine struct {
	kv        kv.Store
	alloc     txnstore.TimestampSource
	cache     *txncache.Cache
	records   *txnstore.Store
	conflicts *si.ConflictDetector
	resolver  *si.Resolver
	keepAlive *keepalive.Scheduler
	sweeper   *si.Rollforward
	hub       *notify.Hub
	opts      Options

	// rows written per open transaction; absent or zero commits as read-only
	written *xsync.MapOf[uint64, *atomic.Int64]
	closed  atomic.Bool
}

// New wires the engine over store and starts its background loops
func New(store kv.Store, alloc txnstore.TimestampSource, opts Options) (*Engine, error) {
	cache, err := txncache.New(opts.Cache)
	if err != nil {
		return nil, err
	}

	records := txnstore.New(store, alloc, cache, txnstore.Options{
		Timeout: opts.TransactionTimeout,
		Now:     opts.Now,
	})

	kaOpts := opts.KeepAlive
	kaOpts.Timeout = opts.TransactionTimeout

	e := &Engine{
		kv:        store,
		alloc:     alloc,
		cache:     cache,
		records:   records,
		conflicts: si.NewConflictDetector(records),
		resolver:  si.NewResolver(store, records, opts.Resolver),
		keepAlive: keepalive.New(records, kaOpts),
		hub:       notify.NewHub(),
		opts:      opts,
		written:   xsync.NewMapOf[uint64, *atomic.Int64](),
	}
	if opts.RollforwardEnabled {
		e.sweeper = si.NewRollforward(records, e.resolver, opts.Rollforward)
		e.sweeper.Start()
	}
	e.keepAlive.Start()

	log.Info().
		Dur("timeout", opts.TransactionTimeout).
		Dur("keep_alive_interval", kaOpts.Interval).
		Bool("rollforward", opts.RollforwardEnabled).
		Msg("Transaction engine started")
	return e, nil
}

// Begin starts a root transaction. Its id doubles as its begin timestamp.
func (e *Engine) Begin(ctx context.Context, opts ...BeginOption) (*txn.Txn, error) {
	cfg := beginConfig{isolation: txn.Snapshot}
	for _, o := range opts {
		o(&cfg)
	}
	m := newOpMetrics("begin")
	t, err := e.begin(ctx, 0, cfg)
	if err != nil {
		return nil, m.failure(err)
	}
	m.success()
	return t, nil
}

// BeginChild starts a transaction nested in parent. The child inherits the
// parent's writability; its writes become visible to others only once every
// ancestor has committed.
func (e *Engine) BeginChild(ctx context.Context, parent *txn.Txn, isolation txn.IsolationLevel, additive bool) (*txn.Txn, error) {
	m := newOpMetrics("begin_child")
	if err := e.requireActive(ctx, parent); err != nil {
		return nil, m.failure(err)
	}

	t, err := e.begin(ctx, parent.ID(), beginConfig{
		isolation: isolation,
		additive:  additive,
		writable:  parent.Writable(),
	})
	if err != nil {
		return nil, m.failure(err)
	}
	m.success()
	return t, nil
}

func (e *Engine) begin(ctx context.Context, parentID uint64, cfg beginConfig) (*txn.Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !cfg.isolation.Valid() {
		cfg.isolation = txn.Snapshot
	}

	id, err := e.alloc.Next()
	if err != nil {
		return nil, err
	}

	t := txn.NewTxn(id, id, parentID, cfg.isolation, cfg.additive, cfg.writable)
	t.AddTables(cfg.tables...)
	if _, err := e.records.RecordNew(ctx, t.Record()); err != nil {
		return nil, err
	}

	e.keepAlive.Register(id)
	log.Debug().
		Uint64("txn_id", id).
		Uint64("parent_id", parentID).
		Str("isolation", cfg.isolation.String()).
		Bool("writable", cfg.writable).
		Msg("Transaction began")
	return t, nil
}

// Elevate grants t write capability and records tables as destinations
func (e *Engine) Elevate(ctx context.Context, t *txn.Txn, tables ...string) error {
	m := newOpMetrics("elevate")
	if err := e.requireActive(ctx, t); err != nil {
		return m.failure(err)
	}
	if added := t.AddTables(tables...); len(added) > 0 {
		if err := e.records.AddDestinationTables(ctx, t.ID(), added...); err != nil {
			return m.failure(err)
		}
	}
	t.SetWritable()
	m.success()
	return nil
}

// Commit makes t's writes visible at a freshly allocated commit timestamp.
// A transaction that never wrote commits with AdvisoryReadOnly.
func (e *Engine) Commit(ctx context.Context, t *txn.Txn) (txn.CommitResult, error) {
	m := newOpMetrics("commit")
	if e.closed.Load() {
		return txn.CommitResult{}, m.failure(ErrClosed)
	}

	res, err := e.records.Commit(ctx, t.ID())
	if err != nil {
		var na *txn.NotActiveError
		if errors.As(err, &na) && na.State == txn.StateRolledBack {
			t.MarkRolledBack()
			e.release(t.ID())
		}
		return txn.CommitResult{}, m.failure(err)
	}

	if res.Advisory == txn.AdvisoryNone && e.rowsWritten(t.ID()) == 0 {
		res.Advisory = txn.AdvisoryReadOnly
	}
	t.MarkCommitted(res.CommitTimestamp)
	e.release(t.ID())
	// A repeated commit was already signalled the first time
	if res.Advisory != txn.AdvisoryAlreadyCommitted {
		e.hub.Signal(notify.Signal{
			TxnID:           t.ID(),
			State:           txn.StateCommitted,
			CommitTimestamp: res.CommitTimestamp,
			Tables:          t.DestinationTables(),
		})
	}

	log.Debug().
		Uint64("txn_id", t.ID()).
		Uint64("commit_ts", res.CommitTimestamp).
		Str("advisory", res.Advisory.String()).
		Msg("Transaction committed")
	m.success()
	return res, nil
}

// Rollback discards t. Rolling back twice is a no-op.
func (e *Engine) Rollback(ctx context.Context, t *txn.Txn) error {
	m := newOpMetrics("rollback")
	if err := e.RollbackID(ctx, t.ID()); err != nil {
		return m.failure(err)
	}
	t.MarkRolledBack()
	m.success()
	return nil
}

// RollbackID rolls back a transaction by id, for operators and recovery
// tooling that hold no handle.
func (e *Engine) RollbackID(ctx context.Context, id uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.records.Rollback(ctx, id); err != nil {
		return err
	}
	e.release(id)
	e.signalRollback(ctx, id)
	log.Debug().Uint64("txn_id", id).Msg("Transaction rolled back")
	return nil
}

// Subscribe delivers a signal each time a transaction matching filter commits
// or is rolled back through this engine. Slow subscribers miss signals.
func (e *Engine) Subscribe(filter notify.Filter) (<-chan notify.Signal, func()) {
	return e.hub.Subscribe(filter)
}

func (e *Engine) signalRollback(ctx context.Context, id uint64) {
	if !e.hub.HasSubscribers() {
		return
	}
	sig := notify.Signal{TxnID: id, State: txn.StateRolledBack}
	if v, err := e.records.GetTransaction(ctx, id, true); err == nil {
		sig.Tables = v.DestinationTables()
	}
	e.hub.Signal(sig)
}

// Transaction returns the current view of id, destination tables included
func (e *Engine) Transaction(ctx context.Context, id uint64) (*txn.TxnView, error) {
	return e.records.GetTransaction(ctx, id, true)
}

// ScanActive visits every transaction not yet terminal, timeout-adjusted:
// an abandoned record is reported as ROLLEDBACK until the sweep persists it.
func (e *Engine) ScanActive(ctx context.Context, fn func(*txn.TxnView) bool) error {
	return e.records.ScanActive(ctx, func(v *txn.TxnView) bool {
		if e.records.IsStale(v) {
			v = v.WithState(txn.StateRolledBack)
		}
		return fn(v)
	})
}

func (e *Engine) Stats() telemetry.EngineStats {
	cs := e.cache.Stats()
	return telemetry.EngineStats{
		ActiveCacheEntries:    cs.ActiveEntries,
		CompletedCacheEntries: cs.CompletedEntries,
		KeepAliveRegistered:   e.keepAlive.Registered(),
		ResolverQueueDepth:    e.resolver.QueueDepth(),
		DeferredResolutions:   e.resolver.DeferredCount(),
	}
}

// Close stops background work and drains queued resolutions. The store is
// owned by the caller and stays open.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	e.keepAlive.Stop()
	e.resolver.Close()
	e.hub.Close()
	log.Info().Msg("Transaction engine stopped")
}

// requireActive checks the handle and the record: a transaction rolled back
// by timeout or by an operator is only visible in the record.
func (e *Engine) requireActive(ctx context.Context, t *txn.Txn) error {
	_, err := e.activeView(ctx, t)
	return err
}

func (e *Engine) activeView(ctx context.Context, t *txn.Txn) (*txn.TxnView, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if s := t.State(); s != txn.StateActive {
		return nil, &txn.NotActiveError{TxnID: t.ID(), State: s}
	}
	v, err := e.records.GetTransaction(ctx, t.ID(), false)
	if err != nil {
		return nil, err
	}
	if v.State() != txn.StateActive {
		if v.State() == txn.StateRolledBack {
			t.MarkRolledBack()
			e.release(t.ID())
		}
		return nil, &txn.NotActiveError{TxnID: t.ID(), State: v.State()}
	}
	return v, nil
}

func (e *Engine) release(id uint64) {
	e.keepAlive.Deregister(id)
	e.records.Invalidate(id)
	e.written.Delete(id)
}

func (e *Engine) noteWrite(id uint64) {
	counter, _ := e.written.LoadOrCompute(id, func() *atomic.Int64 { return &atomic.Int64{} })
	counter.Add(1)
}

func (e *Engine) rowsWritten(id uint64) int64 {
	if counter, ok := e.written.Load(id); ok {
		return counter.Load()
	}
	return 0
}
