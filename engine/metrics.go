package engine

import (
	"errors"
	"time"

	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/txn"
)

// opMetrics records the outcome and latency of one engine operation
// (begin, begin_child, elevate, write, commit, rollback).
type opMetrics struct {
	op        string
	startTime time.Time
}

func newOpMetrics(op string) *opMetrics {
	return &opMetrics{op: op, startTime: time.Now()}
}

// failure records err under its classification and returns it unchanged
func (m *opMetrics) failure(err error) error {
	telemetry.TxnTotal.With(m.op, classify(err)).Inc()
	telemetry.TxnDurationSeconds.With(m.op).Observe(time.Since(m.startTime).Seconds())
	return err
}

func (m *opMetrics) success() {
	telemetry.TxnTotal.With(m.op, "success").Inc()
	telemetry.TxnDurationSeconds.With(m.op).Observe(time.Since(m.startTime).Seconds())
}

func classify(err error) string {
	var conflict *txn.WriteConflictError
	var readOnly *txn.ReadOnlyError
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &readOnly):
		return "read_only"
	case txn.IsNotActive(err):
		return "not_active"
	case errors.Is(err, txn.ErrAllocatorUnavailable):
		return "allocator_unavailable"
	default:
		return "failed"
	}
}
