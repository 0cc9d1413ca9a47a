package telemetry

// Histogram bucket definitions
var (
	// LifecycleBuckets for begin/commit/rollback, each one or two synced record writes
	LifecycleBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Lifecycle Metrics
var (
	// TxnTotal counts lifecycle operations by op (begin, begin_child, elevate, commit, rollback) and result
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures lifecycle operation latency by op
	TxnDurationSeconds HistogramVec = noopHistogramVec{}

	// WriteConflictsTotal counts write conflicts by reason (committed_after_begin, concurrent_writer)
	WriteConflictsTotal CounterVec = noopCounterVec{}

	// TimeoutRollbacksTotal counts ACTIVE records persisted as ROLLEDBACK after keep-alive expiry
	TimeoutRollbacksTotal Counter = NoopStat{}
)

// Transaction Cache Metrics
var (
	// TxnCacheRequestsTotal counts cache lookups by tier (active, completed) and result (hit, miss)
	TxnCacheRequestsTotal CounterVec = noopCounterVec{}

	// TxnCacheEntries tracks entry count per tier
	TxnCacheEntries GaugeVec = noopGaugeVec{}
)

// KeepAlive Metrics
var (
	// KeepAliveRenewalsTotal counts renewals by result (ok, expired, error, dropped)
	KeepAliveRenewalsTotal CounterVec = noopCounterVec{}

	// KeepAliveRegistered tracks transactions currently registered for renewal
	KeepAliveRegistered Gauge = NoopStat{}
)

// Read Path Metrics
var (
	// VisibilityDecisionsTotal counts filter decisions by decision (include, skip, committing_wait)
	VisibilityDecisionsTotal CounterVec = noopCounterVec{}

	// ReadResolutionsTotal counts resolver outcomes (committed, rolled_back, deferred, active, failed)
	ReadResolutionsTotal CounterVec = noopCounterVec{}

	// ReadResolverQueueDepth tracks pending resolution tasks
	ReadResolverQueueDepth Gauge = NoopStat{}

	// ReadResolverDroppedTotal counts tasks discarded because the queue was full
	ReadResolverDroppedTotal Counter = NoopStat{}

	// RollforwardSweepsTotal counts completed rollforward sweeps
	RollforwardSweepsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	TxnTotal = NewCounterVec(
		"txn_total",
		"Transaction lifecycle operations by op and result",
		[]string{"op", "result"},
	)
	TxnDurationSeconds = NewHistogramVec(
		"txn_duration_seconds",
		"Transaction lifecycle operation duration in seconds",
		[]string{"op"},
		LifecycleBuckets,
	)
	WriteConflictsTotal = NewCounterVec(
		"write_conflicts_total",
		"Write-write conflicts by reason",
		[]string{"reason"},
	)
	TimeoutRollbacksTotal = NewCounter(
		"timeout_rollbacks_total",
		"Transactions rolled back after keep-alive expiry",
	)

	TxnCacheRequestsTotal = NewCounterVec(
		"txn_cache_requests_total",
		"Transaction cache lookups by tier and result",
		[]string{"tier", "result"},
	)
	TxnCacheEntries = NewGaugeVec(
		"txn_cache_entries",
		"Transaction cache entries by tier",
		[]string{"tier"},
	)

	KeepAliveRenewalsTotal = NewCounterVec(
		"keepalive_renewals_total",
		"Keep-alive renewals by result",
		[]string{"result"},
	)
	KeepAliveRegistered = NewGauge(
		"keepalive_registered",
		"Transactions registered for keep-alive renewal",
	)

	VisibilityDecisionsTotal = NewCounterVec(
		"visibility_decisions_total",
		"Visibility filter decisions",
		[]string{"decision"},
	)
	ReadResolutionsTotal = NewCounterVec(
		"read_resolutions_total",
		"Read resolution outcomes",
		[]string{"outcome"},
	)
	ReadResolverQueueDepth = NewGauge(
		"read_resolver_queue_depth",
		"Pending read resolution tasks",
	)
	ReadResolverDroppedTotal = NewCounter(
		"read_resolver_dropped_total",
		"Read resolution tasks dropped on a full queue",
	)
	RollforwardSweepsTotal = NewCounter(
		"rollforward_sweeps_total",
		"Completed rollforward sweeps",
	)
}
