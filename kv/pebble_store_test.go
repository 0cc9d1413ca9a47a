package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	opts := DefaultOptions()
	opts.FS = vfs.NewMem()
	opts.CacheSizeMB = 8
	opts.MemTableSizeMB = 4
	opts.CompressThreshold = 64
	s, err := OpenPebbleStore("", opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadRow_Missing(t *testing.T) {
	s := newTestStore(t)
	row, err := s.ReadRow("orders", []byte("nope"))
	require.NoError(t, err)
	assert.True(t, row.Empty())
}

func TestMutateRow_VersionsAndMarkers(t *testing.T) {
	s := newTestStore(t)
	row := []byte("r1")

	require.NoError(t, s.MutateRow("orders", row, []Cell{
		{Column: "qty", Version: 100, Value: []byte("1")},
		{Column: "price", Version: 100, Value: []byte("9")},
	}))
	require.NoError(t, s.MutateRow("orders", row, []Cell{
		{Column: "qty", Version: 200, Kind: KindDelete},
		CommitMarker(100, 150),
	}))

	got, err := s.ReadRow("orders", row)
	require.NoError(t, err)
	require.Len(t, got.Cells, 4)

	assert.True(t, got.Cells[0].IsMarker())
	assert.Equal(t, "price", got.Cells[1].Column)
	assert.Equal(t, uint64(200), got.Cells[2].Version, "newest qty version first")
	assert.Equal(t, KindDelete, got.Cells[2].Kind)
	assert.Equal(t, KindPut, got.Cells[3].Kind, "zero kind is stored as put")

	assert.Equal(t, []uint64{200, 100}, got.Writers())
	assert.ElementsMatch(t, []string{"qty", "price"}, got.ColumnsWrittenBy(100))

	m, ok := got.Marker(100)
	require.True(t, ok)
	assert.Equal(t, Marker{CommitTimestamp: 150}, m)
	_, ok = got.Marker(200)
	assert.False(t, ok)
}

func TestRollbackMarker(t *testing.T) {
	m, err := DecodeMarker(RollbackMarker(7))
	require.NoError(t, err)
	assert.True(t, m.RolledBack)

	_, err = DecodeMarker(Cell{Column: "qty", Value: make([]byte, 8)})
	assert.Error(t, err)
}

func TestMutateRow_EmptyColumnRejected(t *testing.T) {
	s := newTestStore(t)
	err := s.MutateRow("orders", []byte("r1"), []Cell{{Column: "", Version: 1}})
	assert.Error(t, err)
}

func TestCompression_Transparent(t *testing.T) {
	s := newTestStore(t)
	big := bytes.Repeat([]byte("abcdefgh"), 100)

	require.NoError(t, s.MutateRow("blobs", []byte("b"), []Cell{{Column: "v", Version: 1, Value: big}}))
	got, err := s.ReadRow("blobs", []byte("b"))
	require.NoError(t, err)
	require.Len(t, got.Cells, 1)
	assert.Equal(t, big, got.Cells[0].Value)

	raw := s.codec.encode(KindPut, big)
	assert.Equal(t, codecZstd, raw[1])
	assert.Less(t, len(raw), len(big))
}

func TestScan_RangeAndOrder(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"c", "a", "b", "d"} {
		require.NoError(t, s.MutateRow("t", []byte(k), []Cell{{Column: "v", Version: 1, Value: []byte(k)}}))
	}
	require.NoError(t, s.MutateRow("other", []byte("a"), []Cell{{Column: "v", Version: 1}}))

	collect := func(start, end []byte) []string {
		var keys []string
		require.NoError(t, s.Scan("t", start, end, func(r *Row) error {
			keys = append(keys, string(r.Key))
			return nil
		}))
		return keys
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, collect(nil, nil))
	assert.Equal(t, []string{"b", "c"}, collect([]byte("b"), []byte("d")))
	assert.Equal(t, []string{"c", "d"}, collect([]byte("c"), nil))

	stop := errors.New("stop")
	err := s.Scan("t", nil, nil, func(r *Row) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestCheckAndMutate_AbortsOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("conflict")

	err := s.CheckAndMutate("t", []byte("r"), func(r *Row) ([]Cell, error) {
		return []Cell{{Column: "v", Version: 1}}, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.ReadRow("t", []byte("r"))
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestCheckAndMutate_SerializesWriters(t *testing.T) {
	s := newTestStore(t)
	var wins atomic.Int32

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			err := s.CheckAndMutate("t", []byte("hot"), func(r *Row) ([]Cell, error) {
				if !r.Empty() {
					return nil, fmt.Errorf("row already written by %d", r.Writers()[0])
				}
				return []Cell{{Column: "v", Version: id}}, nil
			})
			if err == nil {
				wins.Add(1)
			}
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMeta("hwm")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta("hwm", []byte{1, 2}))
	v, err := s.GetMeta("hwm")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, v)
}

func TestClose_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.ReadRow("t", []byte("r"))
	assert.ErrorIs(t, err, ErrClosed)
}
