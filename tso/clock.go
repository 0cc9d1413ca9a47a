// Package tso allocates transaction ids, begin timestamps and commit timestamps.
package tso

import (
	"sync"
	"time"
)

// Bit layout of an id: (physical_ms << 22) | (node_id << 16) | logical
//
//   - 42 bits for wall time in milliseconds (~139 years from epoch)
//   - 6 bits for node ID
//   - 16 bits for logical counter (~65k ids per ms per node)
const (
	LogicalBits    = 16
	LogicalMask    = (1 << LogicalBits) - 1
	NodeIDBits     = 6
	NodeIDMask     = (1 << NodeIDBits) - 1
	TotalShiftBits = NodeIDBits + LogicalBits
)

// Clock is a hybrid logical clock that never hands out the same (ms, logical) pair twice
type Clock struct {
	nodeID  uint64
	now     func() time.Time
	lastMS  int64
	logical uint64
	mu      sync.Mutex
}

// NewClock creates a clock driven by the wall clock
func NewClock(nodeID uint64) *Clock {
	return NewClockWithSource(nodeID, time.Now)
}

// NewClockWithSource creates a clock reading time from now
func NewClockWithSource(nodeID uint64, now func() time.Time) *Clock {
	return &Clock{nodeID: nodeID & NodeIDMask, now: now}
}

// Next returns the next id from the clock alone. Ids from one Clock are strictly increasing.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}

	// Exhausted this millisecond: borrow the next one instead of sleeping
	if c.logical >= LogicalMask {
		c.lastMS++
		c.logical = 0
	}
	c.logical++

	return (uint64(c.lastMS) << TotalShiftBits) | (c.nodeID << LogicalBits) | c.logical
}

// PhysicalTime extracts the wall time component of an id
func PhysicalTime(id uint64) time.Time {
	return time.UnixMilli(int64(id >> TotalShiftBits))
}
