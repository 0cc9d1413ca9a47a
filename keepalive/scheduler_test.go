package keepalive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenewer struct {
	mu      sync.Mutex
	calls   map[uint64]int
	expired map[uint64]bool
	failing map[uint64]bool
	panicky map[uint64]bool
}

func newFakeRenewer() *fakeRenewer {
	return &fakeRenewer{
		calls:   make(map[uint64]int),
		expired: make(map[uint64]bool),
		failing: make(map[uint64]bool),
		panicky: make(map[uint64]bool),
	}
}

func (f *fakeRenewer) KeepAlive(ctx context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.panicky[id] {
		panic("renewal exploded")
	}
	if f.failing[id] {
		return false, errors.New("store unreachable")
	}
	return !f.expired[id], nil
}

func (f *fakeRenewer) count(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestScheduler_RenewsRegistered(t *testing.T) {
	r := newFakeRenewer()
	s := New(r, Options{Interval: 5 * time.Millisecond, Timeout: time.Minute, Workers: 2})
	s.Start()
	defer s.Stop()

	s.Register(1)
	s.Register(2)

	assert.Eventually(t, func() bool { return r.count(1) >= 3 && r.count(2) >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, s.Registered())
}

func TestScheduler_DeregisterStopsRenewal(t *testing.T) {
	r := newFakeRenewer()
	s := New(r, Options{Interval: 5 * time.Millisecond, Timeout: time.Minute, Workers: 1})
	s.Start()
	defer s.Stop()

	s.Register(1)
	require.Eventually(t, func() bool { return r.count(1) >= 1 }, time.Second, time.Millisecond)

	s.Deregister(1)
	time.Sleep(20 * time.Millisecond)
	n := r.count(1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, r.count(1))
	assert.False(t, s.IsRegistered(1))
}

func TestScheduler_ExpiredIsDeregistered(t *testing.T) {
	r := newFakeRenewer()
	r.expired[7] = true
	s := New(r, Options{Interval: 5 * time.Millisecond, Timeout: time.Minute, Workers: 1})
	s.Start()
	defer s.Stop()

	s.Register(7)
	assert.Eventually(t, func() bool { return !s.IsRegistered(7) }, time.Second, time.Millisecond)
}

func TestScheduler_FailingRenewalDroppedAfterTimeout(t *testing.T) {
	r := newFakeRenewer()
	r.failing[3] = true
	s := New(r, Options{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond, Workers: 1})
	s.Start()
	defer s.Stop()

	s.Register(3)
	require.Eventually(t, func() bool { return r.count(3) >= 1 }, time.Second, time.Millisecond)
	assert.True(t, s.IsRegistered(3), "errors alone do not drop the registration")

	assert.Eventually(t, func() bool { return !s.IsRegistered(3) }, time.Second, 5*time.Millisecond)
}

func TestScheduler_PanicDoesNotKillPool(t *testing.T) {
	r := newFakeRenewer()
	r.panicky[1] = true
	s := New(r, Options{Interval: 5 * time.Millisecond, Timeout: time.Minute, Workers: 1})
	s.Start()
	defer s.Stop()

	s.Register(1)
	s.Register(2)

	assert.Eventually(t, func() bool { return r.count(1) >= 2 && r.count(2) >= 2 }, time.Second, time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := New(newFakeRenewer(), Options{Interval: time.Millisecond, Timeout: time.Second, Workers: 1})
	s.Start()
	s.Stop()
	s.Stop()
}
