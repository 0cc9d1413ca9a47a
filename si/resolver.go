package si

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Outcome is what a resolution task did
type Outcome int

const (
	// OutcomeDropped: the queue was full or the resolver closed; nothing ran
	OutcomeDropped Outcome = iota
	// OutcomeCommitted: a commit marker was written
	OutcomeCommitted
	// OutcomeRolledBack: a rollback marker was written
	OutcomeRolledBack
	// OutcomeDeferred: the writer committed but an ancestor has not; retried by rollforward
	OutcomeDeferred
	// OutcomeActive: the writer is still in flight; nothing written
	OutcomeActive
	// OutcomeFailed: the lookup or marker write failed; logged, never surfaced to readers
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeActive:
		return "active"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ResolverOptions struct {
	Workers   int
	QueueSize int
}

func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{Workers: 4, QueueSize: 65536}
}

type resolveTask struct {
	key     string
	table   string
	row     []byte
	writer  uint64
	promise *future.Promise[Outcome]
}

// DeferredCell is a cell whose writer committed before its ancestors did
type DeferredCell struct {
	Table  string
	Row    []byte
	Writer uint64
}

// Resolver stabilizes cells by writing resolution markers once their writer
// settles. Work goes through a bounded queue; a full queue drops the task,
// since a later read schedules it again.
type Resolver struct {
	store    kv.Store
	supplier Supplier

	queue    chan *resolveTask
	inflight *xsync.MapOf[string, *future.Future[Outcome]]
	deferred *xsync.MapOf[string, DeferredCell]

	mu     sync.RWMutex // guards queue sends against Close
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewResolver(store kv.Store, supplier Supplier, opts ResolverOptions) *Resolver {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}

	r := &Resolver{
		store:    store,
		supplier: supplier,
		queue:    make(chan *resolveTask, opts.QueueSize),
		inflight: xsync.NewMapOf[string, *future.Future[Outcome]](),
		deferred: xsync.NewMapOf[string, DeferredCell](),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func taskKey(table string, row []byte, writer uint64) string {
	buf := make([]byte, 0, len(table)+len(row)+10)
	buf = append(buf, table...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, writer)
	buf = append(buf, row...)
	return string(buf)
}

func completed(o Outcome) *future.Future[Outcome] {
	p := future.NewPromise[Outcome]()
	p.Set(o, nil)
	return p.Future()
}

// Enqueue schedules resolution of writer's cells in row. Duplicate requests
// for a task already queued share its future. When the queue is full the
// returned future is already complete with OutcomeDropped.
func (r *Resolver) Enqueue(table string, row []byte, writer uint64) *future.Future[Outcome] {
	key := taskKey(table, row, writer)
	if f, ok := r.inflight.Load(key); ok {
		return f
	}

	p := future.NewPromise[Outcome]()
	f := p.Future()
	if existing, loaded := r.inflight.LoadOrStore(key, f); loaded {
		return existing
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed.Load() {
		r.inflight.Delete(key)
		p.Set(OutcomeDropped, nil)
		return f
	}

	task := &resolveTask{key: key, table: table, row: append([]byte(nil), row...), writer: writer, promise: p}
	select {
	case r.queue <- task:
		telemetry.ReadResolverQueueDepth.Set(float64(len(r.queue)))
	default:
		r.inflight.Delete(key)
		telemetry.ReadResolverDroppedTotal.Inc()
		p.Set(OutcomeDropped, nil)
	}
	return f
}

// QueueDepth returns the number of tasks waiting for a worker
func (r *Resolver) QueueDepth() int {
	return len(r.queue)
}

// DeferredCount returns the number of cells waiting on an ancestor commit
func (r *Resolver) DeferredCount() int {
	return r.deferred.Size()
}

// RetryDeferred re-enqueues up to limit deferred cells and returns how many were queued
func (r *Resolver) RetryDeferred(limit int) int {
	var cells []DeferredCell
	r.deferred.Range(func(_ string, c DeferredCell) bool {
		cells = append(cells, c)
		return len(cells) < limit
	})

	queued := 0
	for _, c := range cells {
		if r.closed.Load() {
			break
		}
		r.Enqueue(c.Table, c.Row, c.Writer)
		queued++
	}
	return queued
}

// Close stops accepting work and waits for queued tasks to drain
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed.CompareAndSwap(false, true) {
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Resolver) worker() {
	defer r.wg.Done()
	for task := range r.queue {
		r.run(task)
	}
}

func (r *Resolver) run(task *resolveTask) {
	outcome, err := r.safeResolve(task)
	r.inflight.Delete(task.key)
	telemetry.ReadResolverQueueDepth.Set(float64(len(r.queue)))
	telemetry.ReadResolutionsTotal.With(outcome.String()).Inc()

	if err != nil {
		log.Warn().Err(err).
			Str("table", task.table).
			Uint64("txn_id", task.writer).
			Msg("Read resolution failed")
	}
	task.promise.Set(outcome, err)
}

func (r *Resolver) safeResolve(task *resolveTask) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("resolution panicked: %v", p)
		}
	}()
	return r.resolve(context.Background(), task)
}

func (r *Resolver) resolve(ctx context.Context, task *resolveTask) (Outcome, error) {
	v, err := r.supplier.GetTransaction(ctx, task.writer, false)
	if err != nil {
		return OutcomeFailed, err
	}

	// A stale heartbeat reads as rolled back; make it durable before the marker
	if v.State() == txn.StateRolledBack && r.supplier.IsStale(v) {
		if _, err := r.supplier.MarkTimedOut(ctx, task.writer); err != nil {
			return OutcomeFailed, err
		}
	}

	eff, err := r.supplier.Effective(ctx, v)
	if err != nil {
		return OutcomeFailed, err
	}

	switch {
	case eff.Committed():
		if err := r.store.MutateRow(task.table, task.row, []kv.Cell{kv.CommitMarker(task.writer, eff.CommitTimestamp)}); err != nil {
			return OutcomeFailed, err
		}
		r.deferred.Delete(task.key)
		return OutcomeCommitted, nil
	case eff.State == txn.StateRolledBack:
		if err := r.store.MutateRow(task.table, task.row, []kv.Cell{kv.RollbackMarker(task.writer)}); err != nil {
			return OutcomeFailed, err
		}
		r.deferred.Delete(task.key)
		return OutcomeRolledBack, nil
	case eff.AncestorPending:
		r.deferred.Store(task.key, DeferredCell{Table: task.table, Row: task.row, Writer: task.writer})
		return OutcomeDeferred, nil
	default:
		return OutcomeActive, nil
	}
}

// ErrResolverClosed is returned by Resolve after Close
var ErrResolverClosed = errors.New("read resolver closed")

// Resolve runs one resolution synchronously on the caller's goroutine
func (r *Resolver) Resolve(ctx context.Context, table string, row []byte, writer uint64) (Outcome, error) {
	if r.closed.Load() {
		return OutcomeDropped, ErrResolverClosed
	}
	return r.resolve(ctx, &resolveTask{key: taskKey(table, row, writer), table: table, row: row, writer: writer})
}
