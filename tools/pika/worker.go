package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maxpert/sitxn/engine"
	"github.com/maxpert/sitxn/txn"
)

// loadBatch is the number of accounts written per load transaction
const loadBatch = 100

// Worker executes operations against the bank.
type Worker struct {
	id         int
	bank       *Bank
	opSelector *OpSelector
	stats      *Stats
	retry      bool
	maxRetries int
	rng        *rand.Rand
}

func NewWorker(id int, bank *Bank, opSelector *OpSelector, stats *Stats, retry bool, maxRetries int) *Worker {
	return &Worker{
		id:         id,
		bank:       bank,
		opSelector: opSelector,
		stats:      stats,
		retry:      retry,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// RunBenchmark executes one operation per token received on opsChan.
func (w *Worker) RunBenchmark(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}

			op := w.generateOp(w.opSelector.Select())

			start := time.Now()
			if err := w.executeWithRetry(ctx, op); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.stats.RecordError(err)
			} else {
				w.stats.RecordOp(op.Type, time.Since(start))
			}
		}
	}
}

func (w *Worker) generateOp(opType OpType) Operation {
	accounts := w.bank.accounts
	op := Operation{Type: opType, From: w.rng.Intn(accounts)}
	if opType == OpTransfer {
		op.To = w.rng.Intn(accounts - 1)
		if op.To >= op.From {
			op.To++
		}
		op.Amount = 1 + w.rng.Int63n(100)
	}
	return op
}

func (w *Worker) executeWithRetry(ctx context.Context, op Operation) error {
	var lastErr error
	maxAttempts := 1
	if w.retry {
		maxAttempts = w.maxRetries + 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter
			backoff := time.Duration(1<<uint(attempt-1)) * time.Millisecond
			jitter := time.Duration(w.rng.Int63n(int64(backoff/2) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			w.stats.RecordRetry()
		}

		err := w.bank.Execute(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if !txn.IsRetryable(err) {
			break
		}
	}

	return lastErr
}

// executeLoad writes every account with the initial balance.
func executeLoad(ctx context.Context, env *Env, cfg *Config) error {
	fmt.Printf("Table:       %s\n", cfg.Table)
	fmt.Printf("Accounts:    %d\n", cfg.Accounts)
	fmt.Printf("Balance:     %d\n", cfg.InitialBalance)
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Println()

	balance, err := encodeBalance(cfg.InitialBalance)
	if err != nil {
		return err
	}

	start := time.Now()
	batches := make(chan int)
	errCh := make(chan error, cfg.Threads)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for first := range batches {
				last := min(first+loadBatch, cfg.Accounts)
				if err := loadAccounts(ctx, env.Engine, cfg.Table, first, last, balance); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

feed:
	for first := 0; first < cfg.Accounts; first += loadBatch {
		select {
		case batches <- first:
		case err := <-errCh:
			close(batches)
			wg.Wait()
			return err
		case <-ctx.Done():
			break feed
		}
	}
	close(batches)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fmt.Printf("Loaded %d accounts in %.2fs\n", cfg.Accounts, time.Since(start).Seconds())
	return nil
}

func loadAccounts(ctx context.Context, e *engine.Engine, table string, first, last int, balance []byte) error {
	t, err := e.Begin(ctx, engine.WithWritable(table))
	if err != nil {
		return err
	}
	for n := first; n < last; n++ {
		if err := e.Write(ctx, t, table, accountKey(n), engine.Put(balanceColumn, balance)); err != nil {
			return errors.Join(err, e.Rollback(ctx, t))
		}
	}
	_, err = e.Commit(ctx, t)
	return err
}

// executeRun drives the configured workload until the operation budget or
// duration is exhausted.
func executeRun(ctx context.Context, env *Env, cfg *Config) (*Stats, error) {
	dist := cfg.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return nil, err
	}

	fmt.Printf("Workload:    %s (read %d%%, transfer %d%%, audit %d%%)\n", cfg.Workload, dist.Read, dist.Transfer, dist.Audit)
	fmt.Printf("Isolation:   %s\n", cfg.IsolationLevel())
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	if cfg.Duration > 0 {
		fmt.Printf("Duration:    %s\n", cfg.Duration)
	} else {
		fmt.Printf("Operations:  %d\n", cfg.Operations)
	}
	fmt.Println()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	bank := NewBank(env.Engine, cfg)
	stats := NewStats()
	opsChan := make(chan struct{}, cfg.Threads*2)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		w := NewWorker(i, bank, NewOpSelector(dist, time.Now().UnixNano()+int64(i)), stats, cfg.Retry, cfg.MaxRetries)
		go w.RunBenchmark(runCtx, opsChan, &wg)
	}

	reportCtx, stopReport := context.WithCancel(runCtx)
	go reportProgress(reportCtx, stats)

	start := time.Now()
	go func() {
		defer close(opsChan)
		for i := 0; cfg.Duration > 0 || i < cfg.Operations; i++ {
			select {
			case opsChan <- struct{}{}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	stopReport()

	stats.PrintFinal(time.Since(start))
	return stats, nil
}
