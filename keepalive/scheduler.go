// Package keepalive renews the keep-alive timestamp of every transaction this
// process owns. One ticker fans registered ids out to a fixed worker pool.
//
// The scheduler is an optimization for liveness, not for correctness: if it
// stops, readers reclassify the stale transactions as rolled back on their own.
package keepalive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sitxn/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Renewer writes one keep-alive. false means the transaction is terminal or
// already timed out and must not be renewed again.
type Renewer interface {
	KeepAlive(ctx context.Context, id uint64) (bool, error)
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration // registrations without a successful renewal for this long are dropped
	Workers  int
}

func DefaultOptions() Options {
	return Options{Interval: 15 * time.Second, Timeout: 150 * time.Second, Workers: 2}
}

type entry struct {
	lastSuccess atomic.Int64 // unix nanos
}

type Scheduler struct {
	renewer Renewer
	opts    Options
	now     func() time.Time

	entries *xsync.MapOf[uint64, *entry]
	work    chan uint64

	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

func New(renewer Renewer, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Scheduler{
		renewer: renewer,
		opts:    opts,
		now:     time.Now,
		entries: xsync.NewMapOf[uint64, *entry](),
		work:    make(chan uint64, opts.Workers*64),
		stopCh:  make(chan struct{}),
	}
}

// Register starts renewing id on the next tick
func (s *Scheduler) Register(id uint64) {
	e := &entry{}
	e.lastSuccess.Store(s.now().UnixNano())
	s.entries.Store(id, e)
}

// Deregister stops renewing id
func (s *Scheduler) Deregister(id uint64) {
	s.entries.Delete(id)
}

// IsRegistered reports whether id is being renewed
func (s *Scheduler) IsRegistered(id uint64) bool {
	_, ok := s.entries.Load(id)
	return ok
}

// Registered returns the number of registered transactions
func (s *Scheduler) Registered() int {
	return s.entries.Size()
}

// Start launches the ticker and the worker pool
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.tickLoop()

	log.Debug().
		Dur("interval", s.opts.Interval).
		Int("workers", s.opts.Workers).
		Msg("Keep-alive scheduler started")
}

// Stop halts renewal and waits for in-flight renewals to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch()
		case <-s.stopCh:
			return
		}
	}
}

// dispatch queues every registered id for one renewal
func (s *Scheduler) dispatch() {
	s.entries.Range(func(id uint64, _ *entry) bool {
		select {
		case s.work <- id:
			return true
		case <-s.stopCh:
			return false
		}
	})
	telemetry.KeepAliveRegistered.Set(float64(s.entries.Size()))
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.work:
			s.renew(id)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) renew(id uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("txn_id", id).Str("panic", fmt.Sprint(r)).Msg("Keep-alive renewal panicked")
			telemetry.KeepAliveRenewalsTotal.With("error").Inc()
		}
	}()

	e, ok := s.entries.Load(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Interval)
	defer cancel()

	alive, err := s.renewer.KeepAlive(ctx, id)
	switch {
	case err != nil:
		telemetry.KeepAliveRenewalsTotal.With("error").Inc()
		since := s.now().Sub(time.Unix(0, e.lastSuccess.Load()))
		if since > s.opts.Timeout {
			s.entries.Delete(id)
			telemetry.KeepAliveRenewalsTotal.With("dropped").Inc()
			log.Warn().Err(err).Uint64("txn_id", id).Dur("since_success", since).
				Msg("Keep-alive failing past timeout, dropping registration")
			return
		}
		log.Warn().Err(err).Uint64("txn_id", id).Msg("Keep-alive renewal failed")
	case !alive:
		s.entries.Delete(id)
		telemetry.KeepAliveRenewalsTotal.With("expired").Inc()
		log.Debug().Uint64("txn_id", id).Msg("Transaction no longer active, keep-alive stopped")
	default:
		e.lastSuccess.Store(s.now().UnixNano())
		telemetry.KeepAliveRenewalsTotal.With("ok").Inc()
	}
}
