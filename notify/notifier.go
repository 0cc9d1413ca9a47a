// Package notify fans out transaction completion signals to in-process
// subscribers such as caches, pollers and change feeds.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/sitxn/txn"
)

// defaultSignalBufferSize is the buffer size for completion channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal reports that a transaction reached a terminal state
type Signal struct {
	TxnID           uint64
	State           txn.State
	CommitTimestamp uint64   // zero unless State is StateCommitted
	Tables          []string // destination tables, empty for read-only transactions
}

// Filter restricts a subscription to transactions that wrote any of Tables.
// An empty filter receives every signal.
type Filter struct {
	Tables []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(tables []string) bool {
	if len(s.filter.Tables) == 0 {
		return true
	}

	for _, want := range s.filter.Tables {
		for _, table := range tables {
			if table == want {
				return true
			}
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe completion notification hub.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	count         atomic.Int32
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// HasSubscribers lets publishers skip building a signal nobody reads
func (h *Hub) HasSubscribers() bool {
	return h.count.Load() > 0
}

// Signal sends sig to all matching subscribers (non-blocking).
func (h *Hub) Signal(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig.Tables) {
			continue
		}

		select {
		case sub.ch <- sig:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.count.Add(1)
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.count.Store(0)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
		h.count.Add(-1)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
