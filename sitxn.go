package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/sitxn/admin"
	"github.com/maxpert/sitxn/cfg"
	"github.com/maxpert/sitxn/engine"
	"github.com/maxpert/sitxn/keepalive"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/si"
	"github.com/maxpert/sitxn/telemetry"
	"github.com/maxpert/sitxn/tso"
	"github.com/maxpert/sitxn/txncache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("sitxn - Snapshot Isolation transaction engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(cfg.Config.Prometheus.Enabled, cfg.Config.NodeID)
	telemetry.InitMetrics()

	store, err := kv.OpenPebbleStore(filepath.Join(cfg.Config.DataDir, "store"), storeOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer store.Close()

	alloc, err := tso.NewAllocator(store, tso.NewClock(cfg.Config.NodeID), cfg.Config.Transaction.TimestampLease)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize timestamp allocator")
		return
	}

	eng, err := engine.New(store, alloc, engineOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize transaction engine")
		return
	}
	defer eng.Close()

	collector := telemetry.NewMetricsCollector(eng, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		adminServer = startAdminServer(eng)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Dur("txn_timeout", cfg.TransactionTimeout()).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

func storeOptions() kv.Options {
	sc := cfg.Config.Store
	opts := kv.DefaultOptions()
	opts.CacheSizeMB = sc.CacheSizeMB
	opts.MemTableSizeMB = sc.MemTableSizeMB
	opts.MemTableCount = sc.MemTableCount
	opts.WALBytesPerSync = sc.WALBytesPerSyncKB * 1024
	opts.L0CompactionThreshold = sc.L0CompactionThreshold
	opts.L0StopWrites = sc.L0StopWrites
	opts.CompressThreshold = sc.CompressThresholdBytes
	opts.SyncWrites = sc.SyncWrites
	opts.LockStripes = cfg.ConcurrencyLevel()
	return opts
}

func engineOptions() engine.Options {
	tc := cfg.Config.Transaction
	opts := engine.DefaultOptions()
	opts.TransactionTimeout = cfg.TransactionTimeout()
	opts.CommittingPause = cfg.CommittingPause()
	opts.KeepAlive = keepalive.Options{
		Interval: cfg.KeepAliveInterval(),
		Workers:  tc.KeepAliveThreads,
	}
	opts.Cache = txncache.Options{
		ActiveSize:      cfg.Config.Cache.ActiveSize,
		ActiveTTL:       time.Duration(cfg.Config.Cache.ActiveTTLMS) * time.Millisecond,
		ActiveShards:    cfg.ActiveCacheShards(),
		CompletedSize:   cfg.Config.Cache.CompletedSize,
		CompletedShards: cfg.Config.Cache.CompletedConcurrency,
	}
	opts.Resolver = si.ResolverOptions{
		Workers:   cfg.Config.ReadResolver.Threads,
		QueueSize: cfg.Config.ReadResolver.QueueSize,
	}
	opts.RollforwardEnabled = cfg.Config.Rollforward.Enabled
	opts.Rollforward = si.RollforwardOptions{
		Interval:  time.Duration(cfg.Config.Rollforward.IntervalSeconds) * time.Second,
		BatchSize: cfg.Config.Rollforward.BatchSize,
	}
	return opts
}

func startAdminServer(eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(eng), cfg.Config.Admin.Secret)
	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	log.Info().Str("address", srv.Addr).Msg("Admin server listening")
	return srv
}
