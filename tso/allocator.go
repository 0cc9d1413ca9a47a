package tso

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

const (
	highWaterMarkKey = "tso/hwm"
	maxLeaseMS       = 24 * 60 * 60 * 1000
)

// Allocator hands out strictly increasing 64-bit timestamps.
// A lease of ids above the current value is persisted before any of them is
// returned, so a restarted process resumes above every id it ever issued,
// even if the wall clock went backwards in between.
//
// The lease is sized in milliseconds of the id's physical component, so the
// high-water mark is written about once per lease period regardless of the
// issue rate.
type Allocator struct {
	store kv.Store
	clock *Clock
	lease uint64 // in id units: leaseMS << TotalShiftBits

	mu       sync.Mutex
	last     uint64
	leaseEnd uint64
}

// NewAllocator loads the persisted high-water mark and resumes above it.
// leaseMS is the wall time, in milliseconds, each persisted lease covers.
func NewAllocator(store kv.Store, clock *Clock, leaseMS uint64) (*Allocator, error) {
	if leaseMS == 0 {
		leaseMS = 1
	}
	if leaseMS > maxLeaseMS {
		leaseMS = maxLeaseMS
	}

	var hwm uint64
	val, err := store.GetMeta(highWaterMarkKey)
	switch {
	case err == nil:
		if len(val) != 8 {
			return nil, fmt.Errorf("corrupt timestamp high-water mark (%d bytes)", len(val))
		}
		hwm = binary.BigEndian.Uint64(val)
	case errors.Is(err, kv.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to read timestamp high-water mark: %w", err)
	}

	log.Debug().Uint64("high_water_mark", hwm).Msg("Timestamp allocator resumed")

	return &Allocator{
		store:    store,
		clock:    clock,
		lease:    leaseMS << TotalShiftBits,
		last:     hwm,
		leaseEnd: hwm,
	}, nil
}

// Next returns the next timestamp. A failure to extend the persisted lease
// is returned as txn.ErrAllocatorUnavailable and nothing is handed out.
func (a *Allocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.clock.Next()
	if next <= a.last {
		next = a.last + 1
	}

	if next > a.leaseEnd {
		newLease := next + a.lease
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newLease)
		if err := a.store.SetMeta(highWaterMarkKey, buf); err != nil {
			return 0, fmt.Errorf("%w: %v", txn.ErrAllocatorUnavailable, err)
		}
		a.leaseEnd = newLease
	}

	a.last = next
	return next, nil
}

// Last returns the most recently issued timestamp
func (a *Allocator) Last() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
