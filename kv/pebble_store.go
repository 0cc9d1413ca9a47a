package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog/log"
)

// Options configures the pebble store
type Options struct {
	CacheSizeMB           int64
	MemTableSizeMB        int64
	MemTableCount         int
	WALBytesPerSync       int
	L0CompactionThreshold int
	L0StopWrites          int
	CompressThreshold     int // values at or above this size are zstd compressed, 0 disables
	SyncWrites            bool
	LockStripes           int // row lock stripes for CheckAndMutate
	FS                    vfs.FS
}

// DefaultOptions returns options suitable for tests and small deployments
func DefaultOptions() Options {
	return Options{
		CacheSizeMB:           64,
		MemTableSizeMB:        32,
		MemTableCount:         2,
		WALBytesPerSync:       512 * 1024,
		L0CompactionThreshold: 4,
		L0StopWrites:          12,
		CompressThreshold:     4096,
		SyncWrites:            true,
		LockStripes:           128,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleStore implements Store on a single pebble instance
type PebbleStore struct {
	db        *pebble.DB
	path      string
	codec     *valueCodec
	writeOpts *pebble.WriteOptions
	rowLocks  []sync.Mutex
	closed    atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (or creates) a store at path
func OpenPebbleStore(path string, opts Options) (*PebbleStore, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB holds its own reference

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		WALBytesPerSync:             opts.WALBytesPerSync,
		L0CompactionThreshold:       opts.L0CompactionThreshold,
		L0StopWritesThreshold:       opts.L0StopWrites,
		Logger:                      &pebbleLogger{},
	}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	codec, err := newValueCodec(opts.CompressThreshold)
	if err != nil {
		db.Close()
		return nil, err
	}

	stripes := opts.LockStripes
	if stripes < 1 {
		stripes = 1
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Debug().Str("path", path).Int("lock_stripes", stripes).Msg("Opened pebble store")

	return &PebbleStore{
		db:        db,
		path:      path,
		codec:     codec,
		writeOpts: writeOpts,
		rowLocks:  make([]sync.Mutex, stripes),
	}, nil
}

// rowLockFor returns the striped mutex for a table+row
func (s *PebbleStore) rowLockFor(table string, row []byte) *sync.Mutex {
	h := xxhash.New()
	_, _ = h.WriteString(table)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(row)
	return &s.rowLocks[h.Sum64()%uint64(len(s.rowLocks))]
}

func (s *PebbleStore) ReadRow(table string, row []byte) (*Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := rowPrefix(table, row)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixSuccessor(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := &Row{Table: table, Key: append([]byte(nil), row...)}
	for iter.First(); iter.Valid(); iter.Next() {
		column, version, err := decodeColumnSuffix(iter.Key()[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("corrupt key in %s: %w", table, err)
		}
		cell, err := s.decodeCell(column, version, iter)
		if err != nil {
			return nil, err
		}
		out.Cells = append(out.Cells, cell)
	}
	return out, iter.Error()
}

func (s *PebbleStore) decodeCell(column string, version uint64, iter *pebble.Iterator) (Cell, error) {
	raw, err := iter.ValueAndErr()
	if err != nil {
		return Cell{}, err
	}
	kind, value, err := s.codec.decode(raw)
	if err != nil {
		return Cell{}, fmt.Errorf("column %q@%d: %w", column, version, err)
	}
	return Cell{Column: column, Version: version, Kind: kind, Value: value}, nil
}

func (s *PebbleStore) MutateRow(table string, row []byte, cells []Cell) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(cells) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, c := range cells {
		if c.Column == "" {
			return fmt.Errorf("empty column name in %s", table)
		}
		kind := c.Kind
		if kind == 0 {
			kind = KindPut
		}
		key := cellKey(table, row, c.Column, c.Version)
		if err := batch.Set(key, s.codec.encode(kind, c.Value), nil); err != nil {
			return err
		}
	}
	return batch.Commit(s.writeOpts)
}

func (s *PebbleStore) CheckAndMutate(table string, row []byte, fn func(*Row) ([]Cell, error)) error {
	mu := s.rowLockFor(table, row)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.ReadRow(table, row)
	if err != nil {
		return err
	}

	cells, err := fn(current)
	if err != nil {
		return err
	}
	return s.MutateRow(table, row, cells)
}

func (s *PebbleStore) Scan(table string, start, end []byte, fn func(*Row) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	prefix := tablePrefix(table)
	lower := prefix
	if start != nil {
		lower = appendEncodedBytes(append([]byte(nil), prefix...), start)
	}
	upper := prefixSuccessor(prefix)
	if end != nil {
		upper = appendEncodedBytes(append([]byte(nil), prefix...), end)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	var current *Row
	for iter.First(); iter.Valid(); iter.Next() {
		rowKey, column, version, err := decodeRowSuffix(iter.Key()[len(prefix):])
		if err != nil {
			return fmt.Errorf("corrupt key in %s: %w", table, err)
		}

		if current == nil || !bytes.Equal(current.Key, rowKey) {
			if current != nil {
				if err := fn(current); err != nil {
					return err
				}
			}
			current = &Row{Table: table, Key: rowKey}
		}

		cell, err := s.decodeCell(column, version, iter)
		if err != nil {
			return err
		}
		current.Cells = append(current.Cells, cell)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if current != nil {
		return fn(current)
	}
	return nil
}

func (s *PebbleStore) GetMeta(name string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	val, closer, err := s.db.Get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// SetMeta always syncs; metadata guards invariants that must survive a crash
func (s *PebbleStore) SetMeta(name string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Set(metaKey(name), value, pebble.Sync)
}

// Close is idempotent
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.codec.close()
	return s.db.Close()
}
