package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sitxn/txn"
)

// ErrorCategory buckets failures for the final report
type ErrorCategory int

const (
	ErrConflict ErrorCategory = iota
	ErrNotActive
	ErrAudit
	ErrOther
	numErrorCategories
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrConflict:
		return "conflict"
	case ErrNotActive:
		return "not_active"
	case ErrAudit:
		return "audit_mismatch"
	default:
		return "other"
	}
}

// ClassifyError maps an engine error onto a report category
func ClassifyError(err error) ErrorCategory {
	switch {
	case txn.IsRetryable(err):
		return ErrConflict
	case txn.IsNotActive(err):
		return ErrNotActive
	case errors.Is(err, errAuditMismatch):
		return ErrAudit
	default:
		return ErrOther
	}
}

// Stats tracks benchmark statistics using atomic operations.
type Stats struct {
	ops     [3]atomic.Uint64
	errors  [numErrorCategories]atomic.Uint64
	retries atomic.Uint64

	mu        sync.Mutex
	latencies []int64 // microseconds
	lastError string
}

func NewStats() *Stats {
	return &Stats{latencies: make([]int64, 0, 100000)}
}

// RecordOp records a successful operation.
func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	s.ops[opType].Add(1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed operation after retries were exhausted.
func (s *Stats) RecordError(err error) {
	s.errors[ClassifyError(err)].Add(1)

	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Stats) RecordRetry() {
	s.retries.Add(1)
}

func (s *Stats) TotalOps() uint64 {
	var total uint64
	for i := range s.ops {
		total += s.ops[i].Load()
	}
	return total
}

func (s *Stats) TotalErrors() uint64 {
	var total uint64
	for i := range s.errors {
		total += s.errors[i].Load()
	}
	return total
}

func (s *Stats) Errors(c ErrorCategory) uint64 {
	return s.errors[c].Load()
}

func (s *Stats) Retries() uint64 {
	return s.retries.Load()
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*95/100], sorted[n*99/100]
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Ops     uint64
	Errors  uint64
	Retries uint64
}

func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Ops:     s.TotalOps(),
		Errors:  s.TotalErrors(),
		Retries: s.Retries(),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	totalOps := s.TotalOps()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f txn/sec\n", float64(totalOps)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("Transactions:")
	for _, op := range []OpType{OpRead, OpTransfer, OpAudit} {
		fmt.Printf("  %-9s %d\n", op.String()+":", s.ops[op].Load())
	}
	fmt.Printf("  TOTAL:    %d\n", totalOps)
	fmt.Println()

	if s.TotalErrors() > 0 || s.Retries() > 0 {
		fmt.Println("Errors/Retries:")
		for c := ErrorCategory(0); c < numErrorCategories; c++ {
			if n := s.errors[c].Load(); n > 0 {
				fmt.Printf("  %-15s %d\n", c.String()+":", n)
			}
		}
		fmt.Printf("  retries:        %d\n", s.Retries())
		s.mu.Lock()
		if s.lastError != "" {
			fmt.Printf("  last error:     %s\n", s.lastError)
		}
		s.mu.Unlock()
		fmt.Println()
	}

	p50, p90, p95, p99 := s.GetLatencyPercentiles()
	fmt.Println("Latency (microseconds):")
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
