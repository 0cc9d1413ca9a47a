package si

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []uint64
}

func (e *recordingEnqueuer) Enqueue(table string, row []byte, writer uint64) *future.Future[Outcome] {
	e.mu.Lock()
	e.calls = append(e.calls, writer)
	e.mu.Unlock()
	return completed(OutcomeActive)
}

func (e *recordingEnqueuer) writers() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.calls...)
}

func readRow(t *testing.T, f *fixture, reader *txn.TxnView, row string, opts FilterOptions) map[string]string {
	t.Helper()
	flt := NewFilter(context.Background(), f.actor(t, reader), f.store, nil, opts)
	out, err := flt.FilterRow(f.row(t, row))
	require.NoError(t, err)
	return values(out)
}

func TestFilter_SnapshotSeesCommittedBeforeBegin(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "v1")
	f.commit(t, t1)

	reader := f.root(t)

	t3 := f.root(t)
	f.put(t, t3, "r1", "balance", "v2")
	f.commit(t, t3)

	assert.Equal(t, map[string]string{"balance": "v1"}, readRow(t, f, reader, "r1", FilterOptions{}))

	later := f.root(t)
	assert.Equal(t, map[string]string{"balance": "v2"}, readRow(t, f, later, "r1", FilterOptions{}))
}

func TestFilter_InFlightWriterInvisible(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "v1")
	f.commit(t, t1)

	t2 := f.root(t)
	f.put(t, t2, "r1", "balance", "dirty")

	reader := f.root(t)
	assert.Equal(t, map[string]string{"balance": "v1"}, readRow(t, f, reader, "r1", FilterOptions{}))
}

func TestFilter_OwnWritesVisible(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "mine")

	assert.Equal(t, map[string]string{"balance": "mine"}, readRow(t, f, t1, "r1", FilterOptions{}))
}

func TestFilter_RolledBackWriterFallsThrough(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "v1")
	f.commit(t, t1)

	t2 := f.root(t)
	f.put(t, t2, "r1", "balance", "gone")
	f.rollback(t, t2)

	reader := f.begin(t, beginOpts{isolation: txn.ReadUncommitted})
	assert.Equal(t, map[string]string{"balance": "v1"}, readRow(t, f, reader, "r1", FilterOptions{}))
}

func TestFilter_ReadCommittedSeesLaterCommits(t *testing.T) {
	f := newFixture(t)
	reader := f.begin(t, beginOpts{isolation: txn.ReadCommitted})

	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "v1")
	assert.Nil(t, readRow(t, f, reader, "r1", FilterOptions{}))

	f.commit(t, t1)
	assert.Equal(t, map[string]string{"balance": "v1"}, readRow(t, f, reader, "r1", FilterOptions{}))
}

func TestFilter_ReadUncommittedSeesInFlight(t *testing.T) {
	f := newFixture(t)
	reader := f.begin(t, beginOpts{isolation: txn.ReadUncommitted})

	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "dirty")
	assert.Equal(t, map[string]string{"balance": "dirty"}, readRow(t, f, reader, "r1", FilterOptions{}))
}

func TestFilter_TombstoneExcludesRow(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "balance", "v1")
	f.commit(t, t1)

	early := f.root(t)
	t2 := f.root(t)
	f.del(t, t2, "r1", "balance")
	assert.Nil(t, readRow(t, f, t2, "r1", FilterOptions{}), "own delete hides the value")
	f.commit(t, t2)

	reader := f.root(t)
	assert.Nil(t, readRow(t, f, reader, "r1", FilterOptions{}))

	// A reader that began before the delete still sees the value
	assert.Equal(t, map[string]string{"balance": "v1"}, readRow(t, f, early, "r1", FilterOptions{}))
}

func TestFilter_TombstoneMasksOneColumn(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "a", "1")
	f.put(t, t1, "r1", "b", "2")
	f.commit(t, t1)

	t2 := f.root(t)
	f.del(t, t2, "r1", "a")
	f.commit(t, t2)

	reader := f.root(t)
	assert.Equal(t, map[string]string{"b": "2"}, readRow(t, f, reader, "r1", FilterOptions{}))
}

func TestFilter_Projection(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "a", "1")
	f.put(t, t1, "r1", "b", "2")
	f.put(t, t1, "r1", "c", "3")
	f.commit(t, t1)

	reader := f.root(t)
	got := readRow(t, f, reader, "r1", FilterOptions{Columns: []string{"a", "c"}})
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, got)
}

func TestFilter_ChildSeesParentUncommittedWrites(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t)
	f.put(t, parent, "r1", "balance", "parent")

	child := f.begin(t, beginOpts{parent: parent.ID()})
	assert.Equal(t, map[string]string{"balance": "parent"}, readRow(t, f, child, "r1", FilterOptions{}))

	f.rollback(t, parent)
	assert.Nil(t, readRow(t, f, child, "r1", FilterOptions{}))
}

func TestFilter_ChildCommitVisibleOnlyAfterRootCommits(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t)
	child := f.begin(t, beginOpts{parent: parent.ID()})
	f.put(t, child, "r1", "balance", "nested")
	f.commit(t, child)

	// The parent inherits its committed child's writes
	assert.Equal(t, map[string]string{"balance": "nested"}, readRow(t, f, parent, "r1", FilterOptions{}))

	outsider := f.begin(t, beginOpts{isolation: txn.ReadCommitted})
	assert.Nil(t, readRow(t, f, outsider, "r1", FilterOptions{}))

	rootTS := f.commit(t, parent)
	assert.Equal(t, map[string]string{"balance": "nested"}, readRow(t, f, outsider, "r1", FilterOptions{}))

	v, err := f.store.GetTransaction(context.Background(), child.ID(), false)
	require.NoError(t, err)
	eff, err := f.store.Effective(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, rootTS, eff.CommitTimestamp, "child takes the root's commit timestamp")
}

func TestFilter_SiblingSeesEarlierSiblingCommit(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t)
	early := f.begin(t, beginOpts{parent: parent.ID()})

	c1 := f.begin(t, beginOpts{parent: parent.ID()})
	f.put(t, c1, "r1", "balance", "first")
	f.commit(t, c1)

	c2 := f.begin(t, beginOpts{parent: parent.ID()})
	assert.Equal(t, map[string]string{"balance": "first"}, readRow(t, f, c2, "r1", FilterOptions{}))

	// Merged after early began
	assert.Nil(t, readRow(t, f, early, "r1", FilterOptions{}))

	outsider := f.root(t)
	assert.Nil(t, readRow(t, f, outsider, "r1", FilterOptions{}))
}

func TestFilter_MarkerShortCircuitsLookup(t *testing.T) {
	f := newFixture(t)
	reader := f.root(t)

	// A marker for a writer with no record at all: only the marker can decide
	const ghost = 50
	require.NoError(t, f.kv.MutateRow(testTable, []byte("r1"), []kv.Cell{
		{Column: "balance", Version: ghost, Kind: kv.KindPut, Value: []byte("settled")},
		kv.CommitMarker(ghost, 60),
	}))
	assert.Equal(t, map[string]string{"balance": "settled"}, readRow(t, f, reader, "r1", FilterOptions{}))

	require.NoError(t, f.kv.MutateRow(testTable, []byte("r2"), []kv.Cell{
		{Column: "balance", Version: ghost, Kind: kv.KindPut, Value: []byte("undone")},
		kv.RollbackMarker(ghost),
	}))
	assert.Nil(t, readRow(t, f, reader, "r2", FilterOptions{}))
}

func TestFilter_SchedulesResolutionOncePerWriter(t *testing.T) {
	f := newFixture(t)
	t1 := f.root(t)
	f.put(t, t1, "r1", "a", "1")
	f.put(t, t1, "r1", "b", "2")
	ts := f.commit(t, t1)

	t2 := f.root(t)
	f.put(t, t2, "r1", "a", "3")
	f.commit(t, t2)
	require.NoError(t, f.kv.MutateRow(testTable, []byte("r1"), []kv.Cell{kv.CommitMarker(t1.ID(), ts)}))

	reader := f.root(t)
	enq := &recordingEnqueuer{}
	flt := NewFilter(context.Background(), f.actor(t, reader), f.store, enq, FilterOptions{})
	out, err := flt.FilterRow(f.row(t, "r1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "3", "b": "2"}, values(out))
	assert.Equal(t, []uint64{t2.ID()}, enq.writers(), "only the unmarked writer, once")
}

func TestFilter_LookupFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	reader := f.root(t)
	require.NoError(t, f.kv.MutateRow(testTable, []byte("r1"), []kv.Cell{
		{Column: "balance", Version: 999_999, Kind: kv.KindPut, Value: []byte("orphan")},
	}))

	flt := NewFilter(context.Background(), f.actor(t, reader), f.store, nil, FilterOptions{})
	_, err := flt.FilterRow(f.row(t, "r1"))
	assert.ErrorIs(t, err, txn.ErrNotFound)
}

func TestFilter_CommittingWriterResolvedAfterPause(t *testing.T) {
	f := newFixture(t)
	writer := f.root(t)
	f.put(t, writer, "r1", "balance", "v1")
	f.setRecordState(t, writer.ID(), txn.StateCommitting)
	f.store.Invalidate(writer.ID())

	reader := f.begin(t, beginOpts{isolation: txn.ReadCommitted})

	done := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		done <- f.finishCommit(writer.ID(), 1_000)
	}()

	start := time.Now()
	got := readRow(t, f, reader, "r1", FilterOptions{CommittingPause: 200 * time.Millisecond})
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, map[string]string{"balance": "v1"}, got)
	require.NoError(t, <-done)
}

func TestFilter_StillCommittingAfterPauseInvisible(t *testing.T) {
	f := newFixture(t)
	writer := f.root(t)
	f.put(t, writer, "r1", "balance", "v1")
	f.setRecordState(t, writer.ID(), txn.StateCommitting)
	f.store.Invalidate(writer.ID())

	reader := f.begin(t, beginOpts{isolation: txn.ReadCommitted})
	assert.Nil(t, readRow(t, f, reader, "r1", FilterOptions{CommittingPause: 10 * time.Millisecond}))
}

func TestFilter_CommittingPauseHonorsContext(t *testing.T) {
	f := newFixture(t)
	writer := f.root(t)
	f.put(t, writer, "r1", "balance", "v1")
	f.setRecordState(t, writer.ID(), txn.StateCommitting)
	f.store.Invalidate(writer.ID())

	reader := f.root(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flt := NewFilter(ctx, f.actor(t, reader), f.store, nil, FilterOptions{CommittingPause: time.Hour})
	_, err := flt.FilterRow(f.row(t, "r1"))
	assert.Error(t, err)
}
