package si

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
	"github.com/rs/zerolog/log"
)

type RollforwardOptions struct {
	Interval  time.Duration
	BatchSize int
}

// Rollforward periodically persists timeouts of abandoned transactions and
// retries cells deferred on an ancestor commit.
type Rollforward struct {
	supplier Supplier
	resolver *Resolver
	opts     RollforwardOptions

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewRollforward(supplier Supplier, resolver *Resolver, opts RollforwardOptions) *Rollforward {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1024
	}
	return &Rollforward{
		supplier: supplier,
		resolver: resolver,
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (rf *Rollforward) Start() {
	go rf.loop()
}

// Stop ends the loop and waits for an in-progress sweep
func (rf *Rollforward) Stop() {
	rf.once.Do(func() {
		close(rf.stopCh)
		<-rf.doneCh
	})
}

func (rf *Rollforward) loop() {
	defer close(rf.doneCh)

	ticker := time.NewTicker(rf.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rf.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rf.opts.Interval)
			if _, _, err := rf.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("Rollforward sweep failed")
			}
			cancel()
		}
	}
}

// Sweep runs one pass and returns the number of records timed out and
// deferred cells re-queued.
func (rf *Rollforward) Sweep(ctx context.Context) (timedOut int, requeued int, err error) {
	var stale []uint64
	err = rf.supplier.ScanActive(ctx, func(v *txn.TxnView) bool {
		if rf.supplier.IsStale(v) {
			stale = append(stale, v.ID())
		}
		return len(stale) < rf.opts.BatchSize
	})
	if err != nil {
		return 0, 0, err
	}

	for _, id := range stale {
		ok, err := rf.supplier.MarkTimedOut(ctx, id)
		if err != nil {
			log.Warn().Err(err).Uint64("txn_id", id).Msg("Failed to persist transaction timeout")
			continue
		}
		if ok {
			timedOut++
		}
	}

	if rf.resolver != nil {
		requeued = rf.resolver.RetryDeferred(rf.opts.BatchSize)
	}

	telemetry.RollforwardSweepsTotal.Inc()
	if timedOut > 0 || requeued > 0 {
		log.Debug().
			Int("timed_out", timedOut).
			Int("requeued", requeued).
			Msg("Rollforward sweep")
	}
	return timedOut, requeued, nil
}
