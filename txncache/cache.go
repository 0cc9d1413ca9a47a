// Package txncache is the two-tier transaction view cache.
//
// The active tier holds in-flight (ACTIVE, COMMITTING) views for a short TTL,
// since their state changes. The completed tier holds terminal views with no
// TTL; they are immutable and only leave on capacity eviction. Both tiers are
// sharded by transaction id.
package txncache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
)

// Options sizes the two tiers. Sizes are totals split evenly across shards.
type Options struct {
	ActiveSize      int
	ActiveTTL       time.Duration
	ActiveShards    int
	CompletedSize   int
	CompletedShards int
}

func DefaultOptions() Options {
	return Options{
		ActiveSize:      124,
		ActiveTTL:       time.Second,
		ActiveShards:    16,
		CompletedSize:   131072,
		CompletedShards: 64,
	}
}

// Stats is a snapshot of cache occupancy and hit rates
type Stats struct {
	ActiveEntries    int    `json:"active_entries"`
	CompletedEntries int    `json:"completed_entries"`
	ActiveHits       uint64 `json:"active_hits"`
	ActiveMisses     uint64 `json:"active_misses"`
	CompletedHits    uint64 `json:"completed_hits"`
	CompletedMisses  uint64 `json:"completed_misses"`
}

type Cache struct {
	active    []*expirable.LRU[uint64, *txn.TxnView]
	completed []*lru.Cache[uint64, *txn.TxnView]

	activeHits      atomic.Uint64
	activeMisses    atomic.Uint64
	completedHits   atomic.Uint64
	completedMisses atomic.Uint64
}

func New(opts Options) (*Cache, error) {
	if opts.ActiveShards < 1 || opts.CompletedShards < 1 {
		return nil, fmt.Errorf("cache shard counts must be >= 1")
	}
	if opts.ActiveTTL <= 0 {
		return nil, fmt.Errorf("active tier TTL must be > 0")
	}

	c := &Cache{
		active:    make([]*expirable.LRU[uint64, *txn.TxnView], opts.ActiveShards),
		completed: make([]*lru.Cache[uint64, *txn.TxnView], opts.CompletedShards),
	}

	activePer := perShard(opts.ActiveSize, opts.ActiveShards)
	for i := range c.active {
		c.active[i] = expirable.NewLRU[uint64, *txn.TxnView](activePer, nil, opts.ActiveTTL)
	}

	completedPer := perShard(opts.CompletedSize, opts.CompletedShards)
	for i := range c.completed {
		shard, err := lru.New[uint64, *txn.TxnView](completedPer)
		if err != nil {
			return nil, fmt.Errorf("failed to create completed shard: %w", err)
		}
		c.completed[i] = shard
	}
	return c, nil
}

func perShard(total, shards int) int {
	n := (total + shards - 1) / shards
	if n < 1 {
		n = 1
	}
	return n
}

func shardIndex(id uint64, n int) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return int(xxhash.Sum64(buf[:]) % uint64(n))
}

// GetActive looks up an in-flight view
func (c *Cache) GetActive(id uint64) (*txn.TxnView, bool) {
	v, ok := c.active[shardIndex(id, len(c.active))].Get(id)
	if ok {
		c.activeHits.Add(1)
		telemetry.TxnCacheRequestsTotal.With("active", "hit").Inc()
	} else {
		c.activeMisses.Add(1)
		telemetry.TxnCacheRequestsTotal.With("active", "miss").Inc()
	}
	return v, ok
}

// GetCompleted looks up a terminal view
func (c *Cache) GetCompleted(id uint64) (*txn.TxnView, bool) {
	v, ok := c.completed[shardIndex(id, len(c.completed))].Get(id)
	if ok {
		c.completedHits.Add(1)
		telemetry.TxnCacheRequestsTotal.With("completed", "hit").Inc()
	} else {
		c.completedMisses.Add(1)
		telemetry.TxnCacheRequestsTotal.With("completed", "miss").Inc()
	}
	return v, ok
}

// PutActive caches an in-flight view. Terminal views are routed to the completed tier.
func (c *Cache) PutActive(v *txn.TxnView) {
	if v.State().IsTerminal() {
		c.PutCompleted(v)
		return
	}
	c.active[shardIndex(v.ID(), len(c.active))].Add(v.ID(), v)
}

// PutCompleted caches a terminal view and drops any active entry for it.
// Non-terminal views are rejected.
func (c *Cache) PutCompleted(v *txn.TxnView) bool {
	if !v.State().IsTerminal() {
		return false
	}
	c.completed[shardIndex(v.ID(), len(c.completed))].Add(v.ID(), v)
	c.Evict(v.ID())
	return true
}

// Evict removes id from the active tier
func (c *Cache) Evict(id uint64) {
	c.active[shardIndex(id, len(c.active))].Remove(id)
}

func (c *Cache) Stats() Stats {
	s := Stats{
		ActiveHits:      c.activeHits.Load(),
		ActiveMisses:    c.activeMisses.Load(),
		CompletedHits:   c.completedHits.Load(),
		CompletedMisses: c.completedMisses.Load(),
	}
	for _, shard := range c.active {
		s.ActiveEntries += shard.Len()
	}
	for _, shard := range c.completed {
		s.CompletedEntries += shard.Len()
	}
	return s
}
