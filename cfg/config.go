package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"math/bits"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration controls the Pebble store holding cells and transaction records
type StoreConfiguration struct {
	CacheSizeMB            int64 `toml:"cache_size_mb"`
	MemTableSizeMB         int64 `toml:"memtable_size_mb"`
	MemTableCount          int   `toml:"memtable_count"`
	WALBytesPerSyncKB      int   `toml:"wal_bytes_per_sync_kb"`
	L0CompactionThreshold  int   `toml:"l0_compaction_threshold"`
	L0StopWrites           int   `toml:"l0_stop_writes"`
	CompressThresholdBytes int   `toml:"compress_threshold_bytes"` // 0 disables value compression
	SyncWrites             bool  `toml:"sync_writes"`
}

// TransactionConfiguration controls transaction lifecycle timing
type TransactionConfiguration struct {
	KeepAliveIntervalMS  int    `toml:"keep_alive_interval_ms"`
	TransactionTimeoutMS int    `toml:"transaction_timeout_ms"` // 0 = derived from keep-alive interval
	SessionTimeoutMS     int    `toml:"session_timeout_ms"`     // Session timeout of the underlying cluster
	TimeoutSlopMS        int    `toml:"timeout_slop_ms"`
	CommittingPauseMS    int    `toml:"committing_pause_ms"`
	IOThreads            int    `toml:"io_threads"` // Expected concurrent callers, drives lock striping
	KeepAliveThreads     int    `toml:"keep_alive_threads"`
	TimestampLease       uint64 `toml:"timestamp_lease"` // Milliseconds of timestamps reserved per high-water mark write
}

// CacheConfiguration controls the two transaction cache tiers
type CacheConfiguration struct {
	ActiveSize           int `toml:"active_size"`
	ActiveTTLMS          int `toml:"active_ttl_ms"`
	CompletedSize        int `toml:"completed_size"`
	CompletedConcurrency int `toml:"completed_concurrency"`
}

// ReadResolverConfiguration controls the asynchronous read resolver pool
type ReadResolverConfiguration struct {
	Threads   int `toml:"threads"`
	QueueSize int `toml:"queue_size"`
}

// RollforwardConfiguration controls the background staleness/rollforward sweep
type RollforwardConfiguration struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	BatchSize       int  `toml:"batch_size"`
}

// AdminConfiguration controls the operator HTTP endpoints
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store        StoreConfiguration        `toml:"store"`
	Transaction  TransactionConfiguration  `toml:"transaction"`
	Cache        CacheConfiguration        `toml:"cache"`
	ReadResolver ReadResolverConfiguration `toml:"read_resolver"`
	Rollforward  RollforwardConfiguration  `toml:"rollforward"`
	Admin        AdminConfiguration        `toml:"admin"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh configuration populated with defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./sitxn-data",

		Store: StoreConfiguration{
			CacheSizeMB:            64,
			MemTableSizeMB:         32,
			MemTableCount:          2,
			WALBytesPerSyncKB:      512,
			L0CompactionThreshold:  4,
			L0StopWrites:           12,
			CompressThresholdBytes: 4096,
			SyncWrites:             true,
		},

		Transaction: TransactionConfiguration{
			KeepAliveIntervalMS:  15000,
			TransactionTimeoutMS: 0,
			SessionTimeoutMS:     60000,
			TimeoutSlopMS:        5000,
			CommittingPauseMS:    1000,
			IOThreads:            64,
			KeepAliveThreads:     2,
			TimestampLease:       1000,
		},

		Cache: CacheConfiguration{
			ActiveSize:           124,
			ActiveTTLMS:          1000,
			CompletedSize:        131072,
			CompletedConcurrency: 64,
		},

		ReadResolver: ReadResolverConfiguration{
			Threads:   4,
			QueueSize: 65536,
		},

		Rollforward: RollforwardConfiguration{
			Enabled:         true,
			IntervalSeconds: 30,
			BatchSize:       1024,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("sitxn")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	tx := Config.Transaction

	if tx.KeepAliveIntervalMS < 1 {
		return fmt.Errorf("keep-alive interval must be >= 1ms")
	}

	if tx.TransactionTimeoutMS < 0 {
		return fmt.Errorf("transaction timeout must be >= 0 (0 = derived)")
	}

	if tx.TransactionTimeoutMS > 0 && tx.TransactionTimeoutMS <= tx.KeepAliveIntervalMS {
		return fmt.Errorf("transaction timeout (%dms) must exceed keep-alive interval (%dms)",
			tx.TransactionTimeoutMS, tx.KeepAliveIntervalMS)
	}

	if tx.SessionTimeoutMS < 0 || tx.TimeoutSlopMS < 0 {
		return fmt.Errorf("session timeout and slop must be >= 0")
	}

	if tx.CommittingPauseMS < 0 {
		return fmt.Errorf("committing pause must be >= 0")
	}

	if tx.IOThreads < 1 {
		return fmt.Errorf("io threads must be >= 1")
	}

	if tx.KeepAliveThreads < 1 {
		return fmt.Errorf("keep-alive threads must be >= 1")
	}

	if tx.TimestampLease < 1 {
		return fmt.Errorf("timestamp lease must be >= 1")
	}

	if Config.Cache.ActiveSize < 1 || Config.Cache.CompletedSize < 1 {
		return fmt.Errorf("transaction cache sizes must be >= 1")
	}

	if Config.Cache.CompletedConcurrency < 1 {
		return fmt.Errorf("completed cache concurrency must be >= 1")
	}

	if Config.Cache.ActiveTTLMS < 1 {
		return fmt.Errorf("active cache TTL must be >= 1ms")
	}

	if Config.ReadResolver.Threads < 1 {
		return fmt.Errorf("read resolver threads must be >= 1")
	}

	if Config.ReadResolver.QueueSize < 1 {
		return fmt.Errorf("read resolver queue size must be >= 1")
	}

	if Config.Rollforward.Enabled && Config.Rollforward.IntervalSeconds < 1 {
		return fmt.Errorf("rollforward interval must be >= 1 second")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Store.CompressThresholdBytes < 0 {
		return fmt.Errorf("compress threshold must be >= 0")
	}

	if Config.Logging.Format != "" && Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// TransactionTimeout returns the effective transaction timeout.
// When not configured it is 10x the keep-alive interval, raised to exceed the
// underlying cluster's session timeout plus slop.
func TransactionTimeout() time.Duration {
	tx := Config.Transaction
	if tx.TransactionTimeoutMS > 0 {
		return time.Duration(tx.TransactionTimeoutMS) * time.Millisecond
	}

	timeout := 10 * tx.KeepAliveIntervalMS
	if floor := tx.SessionTimeoutMS + tx.TimeoutSlopMS; timeout <= floor {
		timeout = floor + tx.KeepAliveIntervalMS
	}
	return time.Duration(timeout) * time.Millisecond
}

// ConcurrencyLevel returns the lock stripe count derived from the IO thread count:
// the next power of two >= 2x io_threads.
func ConcurrencyLevel() int {
	n := 2 * Config.Transaction.IOThreads
	if n < 2 {
		n = 2
	}
	return 1 << bits.Len(uint(n-1))
}

// Lower bound on entries per active-tier cache shard
const minActiveEntriesPerShard = 8

// ActiveCacheShards returns the shard count for the active record tier:
// ConcurrencyLevel, capped so each shard holds at least
// minActiveEntriesPerShard entries, and never below 1.
func ActiveCacheShards() int {
	shards := Config.Cache.ActiveSize / minActiveEntriesPerShard
	if level := ConcurrencyLevel(); shards > level {
		shards = level
	}
	if shards < 1 {
		shards = 1
	}
	return shards
}

// KeepAliveInterval returns the keep-alive renewal interval
func KeepAliveInterval() time.Duration {
	return time.Duration(Config.Transaction.KeepAliveIntervalMS) * time.Millisecond
}

// CommittingPause returns the bounded wait applied when a COMMITTING writer is observed
func CommittingPause() time.Duration {
	return time.Duration(Config.Transaction.CommittingPauseMS) * time.Millisecond
}

// IsAdminAuthEnabled reports whether admin endpoints require the shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
