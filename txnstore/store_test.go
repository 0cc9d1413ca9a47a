package txnstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/txn"
	"github.com/maxpert/sitxn/txncache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type counterTS struct {
	next atomic.Uint64
	fail atomic.Bool
}

func (c *counterTS) Next() (uint64, error) {
	if c.fail.Load() {
		return 0, txn.ErrAllocatorUnavailable
	}
	return c.next.Add(1), nil
}

type fixture struct {
	kv    *kv.PebbleStore
	cache *txncache.Cache
	clock *manualClock
	ts    *counterTS
	store *Store
}

const testTimeout = 10 * time.Second

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kvOpts := kv.DefaultOptions()
	kvOpts.FS = vfs.NewMem()
	kvOpts.CacheSizeMB = 4
	kvOpts.MemTableSizeMB = 4
	kvs, err := kv.OpenPebbleStore("", kvOpts)
	require.NoError(t, err)
	t.Cleanup(func() { kvs.Close() })

	cacheOpts := txncache.DefaultOptions()
	cacheOpts.ActiveTTL = time.Hour
	cache, err := txncache.New(cacheOpts)
	require.NoError(t, err)

	clock := &manualClock{now: time.UnixMilli(1_700_000_000_000)}
	ts := &counterTS{}
	ts.next.Store(1000)

	store := New(kvs, ts, cache, Options{Timeout: testTimeout, Now: clock.Now})
	return &fixture{kv: kvs, cache: cache, clock: clock, ts: ts, store: store}
}

func (f *fixture) begin(t *testing.T, id, parent uint64) *txn.TxnView {
	t.Helper()
	v, err := f.store.RecordNew(context.Background(), txn.Record{
		ID: id, BeginTimestamp: id, ParentID: parent, IsolationLevel: txn.Snapshot,
	})
	require.NoError(t, err)
	return v
}

// fresh reads the record bypassing the cache
func (f *fixture) fresh(t *testing.T, id uint64) txn.Record {
	t.Helper()
	row, err := f.kv.ReadRow(RecordTable, RowKey(id))
	require.NoError(t, err)
	rec, err := Decode(id, row, true)
	require.NoError(t, err)
	return rec
}

func TestRecordNew_DuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.begin(t, 10, 0)
	assert.Equal(t, txn.StateActive, v.State())
	assert.Equal(t, f.clock.Now().UnixMilli(), v.KeepAliveTimestamp())

	_, err := f.store.RecordNew(ctx, txn.Record{ID: 10, BeginTimestamp: 10, IsolationLevel: txn.Snapshot})
	assert.ErrorIs(t, err, txn.ErrAlreadyExists)
}

func TestCommit_AllocatesTimestampAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	res, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, txn.AdvisoryNone, res.Advisory)
	assert.Equal(t, uint64(1001), res.CommitTimestamp)

	rec := f.fresh(t, 10)
	assert.Equal(t, txn.StateCommitted, rec.State)
	assert.Equal(t, res.CommitTimestamp, rec.CommitTimestamp)
	assert.Equal(t, res.CommitTimestamp, rec.GlobalCommitTimestamp, "root g = t")

	again, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, txn.AdvisoryAlreadyCommitted, again.Advisory)
	assert.Equal(t, res.CommitTimestamp, again.CommitTimestamp)

	_, err = f.store.CommitExpecting(ctx, 10, res.CommitTimestamp)
	assert.NoError(t, err)
	_, err = f.store.CommitExpecting(ctx, 10, res.CommitTimestamp+1)
	assert.ErrorIs(t, err, txn.ErrCommitTimestampMismatch)
}

func TestCommit_ChildLeavesGlobalTimestampUnset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	f.begin(t, 12, 10)

	_, err := f.store.Commit(ctx, 12)
	require.NoError(t, err)
	assert.Zero(t, f.fresh(t, 12).GlobalCommitTimestamp)
}

func TestCommit_ChildAfterAncestorCompletesRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.begin(t, 10, 0)
	f.begin(t, 12, 10)
	_, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)

	_, err = f.store.Commit(ctx, 12)
	var na *txn.NotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, txn.StateRolledBack, na.State)
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 12).State)
	assert.Zero(t, f.fresh(t, 12).CommitTimestamp)

	// A grandparent rolled back closes the whole chain
	f.begin(t, 20, 0)
	f.begin(t, 22, 20)
	f.begin(t, 24, 22)
	require.NoError(t, f.store.Rollback(ctx, 20))
	_, err = f.store.Commit(ctx, 24)
	assert.True(t, txn.IsNotActive(err))
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 24).State)
}

func TestCommit_ChildOfTimedOutParentRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	f.begin(t, 12, 10)

	f.clock.Advance(testTimeout - time.Second)
	alive, err := f.store.KeepAlive(ctx, 12)
	require.NoError(t, err)
	require.True(t, alive)

	f.clock.Advance(2 * time.Second)
	_, err = f.store.Commit(ctx, 12)
	assert.True(t, txn.IsNotActive(err))
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 12).State)
}

func TestCommit_AfterRollbackFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	require.NoError(t, f.store.Rollback(ctx, 10))
	require.NoError(t, f.store.Rollback(ctx, 10), "rollback is idempotent")

	_, err := f.store.Commit(ctx, 10)
	var na *txn.NotActiveError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, txn.StateRolledBack, na.State)
}

func TestRollback_CommittedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	_, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)

	err = f.store.Rollback(ctx, 10)
	assert.True(t, txn.IsNotActive(err))
	assert.Equal(t, txn.StateCommitted, f.fresh(t, 10).State)
}

func TestCommit_AllocatorFailureRestoresActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	f.ts.fail.Store(true)
	_, err := f.store.Commit(ctx, 10)
	assert.ErrorIs(t, err, txn.ErrAllocatorUnavailable)
	assert.Equal(t, txn.StateActive, f.fresh(t, 10).State)

	f.ts.fail.Store(false)
	_, err = f.store.Commit(ctx, 10)
	assert.NoError(t, err)
}

func TestCommit_AfterTimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	f.clock.Advance(testTimeout + time.Second)
	_, err := f.store.Commit(ctx, 10)
	assert.True(t, txn.IsNotActive(err))
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 10).State)
}

func TestGetTransaction_TimeoutReclassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	v, err := f.store.GetTransaction(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, txn.StateActive, v.State())

	f.clock.Advance(testTimeout + time.Millisecond)

	v, err = f.store.GetTransaction(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, txn.StateRolledBack, v.State(), "stale keep-alive reads as rolled back")
	assert.Equal(t, txn.StateActive, f.fresh(t, 10).State, "persisted state untouched by reads")

	marked, err := f.store.MarkTimedOut(ctx, 10)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 10).State)

	marked, err = f.store.MarkTimedOut(ctx, 10)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestAdjustStateForTimeout(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now().UnixMilli()
	old := now - testTimeout.Milliseconds() - 1

	assert.Equal(t, txn.StateActive, f.store.AdjustStateForTimeout(txn.StateActive, now))
	assert.Equal(t, txn.StateRolledBack, f.store.AdjustStateForTimeout(txn.StateActive, old))
	assert.Equal(t, txn.StateCommitted, f.store.AdjustStateForTimeout(txn.StateCommitted, old))
	assert.Equal(t, txn.StateCommitting, f.store.AdjustStateForTimeout(txn.StateCommitting, old))
}

func TestGetTransaction_CachesTerminalViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	_, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)

	_, err = f.store.GetTransaction(ctx, 10, false)
	require.NoError(t, err)
	_, ok := f.cache.GetCompleted(10)
	assert.True(t, ok)

	f.begin(t, 20, 0)
	_, err = f.store.GetTransaction(ctx, 20, false)
	require.NoError(t, err)
	_, ok = f.cache.GetCompleted(20)
	assert.False(t, ok, "active views never enter the completed tier")
}

func TestGetTransaction_DestinationTablesNotServedFromPartialView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	require.NoError(t, f.store.AddDestinationTables(ctx, 10, "orders"))
	_, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)

	partial, err := f.store.GetTransaction(ctx, 10, false)
	require.NoError(t, err)
	assert.False(t, partial.HasDestinationTables())

	full, err := f.store.GetTransaction(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, full.DestinationTables())
}

func TestGetTransaction_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.GetTransaction(context.Background(), 999, false)
	assert.ErrorIs(t, err, txn.ErrNotFound)
}

func TestKeepAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	f.clock.Advance(testTimeout / 2)
	alive, err := f.store.KeepAlive(ctx, 10)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, f.clock.Now().UnixMilli(), f.fresh(t, 10).KeepAliveTimestamp)

	// Renewed in time, so a further half-timeout is still fine
	f.clock.Advance(testTimeout / 2)
	alive, err = f.store.KeepAlive(ctx, 10)
	require.NoError(t, err)
	assert.True(t, alive)

	f.clock.Advance(testTimeout * 2)
	alive, err = f.store.KeepAlive(ctx, 10)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Equal(t, txn.StateRolledBack, f.fresh(t, 10).State)
}

func TestKeepAlive_TerminalReturnsFalse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	require.NoError(t, f.store.Rollback(ctx, 10))

	alive, err := f.store.KeepAlive(ctx, 10)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestKeepAlive_OnlyTouchesKeepAliveColumn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	require.NoError(t, f.store.AddDestinationTables(ctx, 10, "orders"))
	before := f.fresh(t, 10)

	f.clock.Advance(time.Second)
	_, err := f.store.KeepAlive(ctx, 10)
	require.NoError(t, err)

	after := f.fresh(t, 10)
	before.KeepAliveTimestamp = after.KeepAliveTimestamp
	assert.Equal(t, before, after)
}

func TestAddDestinationTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)

	require.NoError(t, f.store.AddDestinationTables(ctx, 10, "a", "b"))
	require.NoError(t, f.store.AddDestinationTables(ctx, 10, "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, f.fresh(t, 10).DestinationTables)

	require.NoError(t, f.store.Rollback(ctx, 10))
	err := f.store.AddDestinationTables(ctx, 10, "d")
	assert.True(t, txn.IsNotActive(err))
}

func TestEffective_ChildChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	f.begin(t, 12, 10)
	f.begin(t, 14, 12)

	_, err := f.store.Commit(ctx, 14)
	require.NoError(t, err)
	_, err = f.store.Commit(ctx, 12)
	require.NoError(t, err)

	grandchild, err := f.store.GetTransaction(ctx, 14, false)
	require.NoError(t, err)
	eff, err := f.store.Effective(ctx, grandchild)
	require.NoError(t, err)
	assert.False(t, eff.Committed())
	assert.True(t, eff.AncestorPending)
	assert.Equal(t, txn.StateActive, eff.State)
	assert.Equal(t, uint64(10), eff.PendingID)

	root, err := f.store.Commit(ctx, 10)
	require.NoError(t, err)

	eff, err = f.store.Effective(ctx, grandchild)
	require.NoError(t, err)
	assert.True(t, eff.Committed())
	assert.Equal(t, root.CommitTimestamp, eff.CommitTimestamp, "children commit at the root's timestamp")
	assert.Equal(t, root.CommitTimestamp, f.fresh(t, 14).GlobalCommitTimestamp, "g filled lazily")
}

func TestEffective_RolledBackAncestor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	f.begin(t, 12, 10)
	_, err := f.store.Commit(ctx, 12)
	require.NoError(t, err)
	require.NoError(t, f.store.Rollback(ctx, 10))

	child, err := f.store.GetTransaction(ctx, 12, false)
	require.NoError(t, err)
	eff, err := f.store.Effective(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, txn.StateRolledBack, eff.State)
}

func TestAncestors(t *testing.T) {
	f := newFixture(t)
	f.begin(t, 10, 0)
	f.begin(t, 12, 10)
	leaf := f.begin(t, 14, 12)

	ancestors, err := f.store.Ancestors(context.Background(), leaf)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, uint64(12), ancestors[0].ID())
	assert.Equal(t, uint64(10), ancestors[1].ID())
}

func TestScanActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.begin(t, 10, 0)
	f.begin(t, 11, 0)
	f.begin(t, 12, 0)
	_, err := f.store.Commit(ctx, 11)
	require.NoError(t, err)

	var ids []uint64
	require.NoError(t, f.store.ScanActive(ctx, func(v *txn.TxnView) bool {
		ids = append(ids, v.ID())
		return true
	}))
	assert.Equal(t, []uint64{10, 12}, ids)

	ids = nil
	require.NoError(t, f.store.ScanActive(ctx, func(v *txn.TxnView) bool {
		ids = append(ids, v.ID())
		return false
	}))
	assert.Len(t, ids, 1)
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.store.GetTransaction(ctx, 1, false)
	assert.True(t, errors.Is(err, context.Canceled))
}
