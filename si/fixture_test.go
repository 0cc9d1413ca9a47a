package si

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/txn"
	"github.com/maxpert/sitxn/txncache"
	"github.com/maxpert/sitxn/txnstore"
	"github.com/stretchr/testify/require"
)

const (
	testTable   = "accounts"
	testTimeout = 10 * time.Second
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
}

func (c *counterTS) Next() (uint64, error) {
	return c.next.Add(1), nil
}

type fixture struct {
	kv    *kv.PebbleStore
	clock *manualClock
	ts    *counterTS
	store *txnstore.Store
}

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
	ts.next.Store(100)

	store := txnstore.New(kvs, ts, cache, txnstore.Options{Timeout: testTimeout, Now: clock.Now})
	return &fixture{kv: kvs, clock: clock, ts: ts, store: store}
}

type beginOpts struct {
	parent    uint64
	isolation txn.IsolationLevel
	additive  bool
}

// begin starts a transaction whose id doubles as its begin timestamp
func (f *fixture) begin(t *testing.T, o beginOpts) *txn.TxnView {
	t.Helper()
	if o.isolation == 0 {
		o.isolation = txn.Snapshot
	}
	id, err := f.ts.Next()
	require.NoError(t, err)
	v, err := f.store.RecordNew(context.Background(), txn.Record{
		ID:             id,
		BeginTimestamp: id,
		ParentID:       o.parent,
		IsolationLevel: o.isolation,
		Additive:       o.additive,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) root(t *testing.T) *txn.TxnView {
	return f.begin(t, beginOpts{})
}

func (f *fixture) commit(t *testing.T, v *txn.TxnView) uint64 {
	t.Helper()
	res, err := f.store.Commit(context.Background(), v.ID())
	require.NoError(t, err)
	return res.CommitTimestamp
}

func (f *fixture) rollback(t *testing.T, v *txn.TxnView) {
	t.Helper()
	require.NoError(t, f.store.Rollback(context.Background(), v.ID()))
}

func (f *fixture) put(t *testing.T, v *txn.TxnView, row, column, value string) {
	t.Helper()
	require.NoError(t, f.kv.MutateRow(testTable, []byte(row), []kv.Cell{
		{Column: column, Version: v.ID(), Kind: kv.KindPut, Value: []byte(value)},
	}))
}

func (f *fixture) del(t *testing.T, v *txn.TxnView, row, column string) {
	t.Helper()
	require.NoError(t, f.kv.MutateRow(testTable, []byte(row), []kv.Cell{
		{Column: column, Version: v.ID(), Kind: kv.KindDelete},
	}))
}

func (f *fixture) row(t *testing.T, row string) *kv.Row {
	t.Helper()
	r, err := f.kv.ReadRow(testTable, []byte(row))
	require.NoError(t, err)
	return r
}

func (f *fixture) actor(t *testing.T, v *txn.TxnView) *Actor {
	t.Helper()
	a, err := NewActor(context.Background(), f.store, v)
	require.NoError(t, err)
	return a
}

// setRecordState overwrites the persisted state column directly, the way a
// committer that crashed partway would leave it.
func (f *fixture) setRecordState(t *testing.T, id uint64, s txn.State) {
	t.Helper()
	require.NoError(t, f.kv.MutateRow(txnstore.RecordTable, txnstore.RowKey(id), []kv.Cell{
		{Column: txnstore.ColState, Kind: kv.KindPut, Value: []byte{byte(s)}},
	}))
}

// finishCommit completes a root commit the way the committer's final write does
func (f *fixture) finishCommit(id, ts uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ts)
	return f.kv.MutateRow(txnstore.RecordTable, txnstore.RowKey(id), []kv.Cell{
		{Column: txnstore.ColState, Kind: kv.KindPut, Value: []byte{byte(txn.StateCommitted)}},
		{Column: txnstore.ColCommitTimestamp, Kind: kv.KindPut, Value: buf},
		{Column: txnstore.ColGlobalCommitTS, Kind: kv.KindPut, Value: buf},
	})
}

func values(cells map[string]kv.Cell) map[string]string {
	if cells == nil {
		return nil
	}
	out := make(map[string]string, len(cells))
	for col, c := range cells {
		out[col] = string(c.Value)
	}
	return out
}
