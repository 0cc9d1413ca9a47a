package telemetry

import (
	"sync"
	"time"
)

// EngineStats is a point-in-time snapshot of engine gauges
type EngineStats struct {
	ActiveCacheEntries    int `json:"active_cache_entries"`
	CompletedCacheEntries int `json:"completed_cache_entries"`
	KeepAliveRegistered   int `json:"keepalive_registered"`
	ResolverQueueDepth    int `json:"resolver_queue_depth"`
	DeferredResolutions   int `json:"deferred_resolutions"`
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	Stats() EngineStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	s := mc.provider.Stats()
	TxnCacheEntries.With("active").Set(float64(s.ActiveCacheEntries))
	TxnCacheEntries.With("completed").Set(float64(s.CompletedCacheEntries))
	KeepAliveRegistered.Set(float64(s.KeepAliveRegistered))
	ReadResolverQueueDepth.Set(float64(s.ResolverQueueDepth))
}
