package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	require.NoError(t, Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero keep-alive interval", func(c *Configuration) { c.Transaction.KeepAliveIntervalMS = 0 }},
		{"timeout not above keep-alive", func(c *Configuration) {
			c.Transaction.KeepAliveIntervalMS = 1000
			c.Transaction.TransactionTimeoutMS = 1000
		}},
		{"negative committing pause", func(c *Configuration) { c.Transaction.CommittingPauseMS = -1 }},
		{"zero io threads", func(c *Configuration) { c.Transaction.IOThreads = 0 }},
		{"zero keep-alive threads", func(c *Configuration) { c.Transaction.KeepAliveThreads = 0 }},
		{"zero timestamp lease", func(c *Configuration) { c.Transaction.TimestampLease = 0 }},
		{"zero active cache", func(c *Configuration) { c.Cache.ActiveSize = 0 }},
		{"zero completed concurrency", func(c *Configuration) { c.Cache.CompletedConcurrency = 0 }},
		{"zero resolver threads", func(c *Configuration) { c.ReadResolver.Threads = 0 }},
		{"zero resolver queue", func(c *Configuration) { c.ReadResolver.QueueSize = 0 }},
		{"bad admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"bad log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = Default()
			tt.mutate(Config)
			assert.Error(t, Validate())
		})
	}
}

func TestTransactionTimeout_Derived(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Transaction.KeepAliveIntervalMS = 15000
	Config.Transaction.SessionTimeoutMS = 60000
	Config.Transaction.TimeoutSlopMS = 5000

	// 10x keep-alive already exceeds session timeout + slop
	assert.Equal(t, 150*time.Second, TransactionTimeout())

	// Raised above session timeout + slop when 10x is too small
	Config.Transaction.KeepAliveIntervalMS = 1000
	assert.Equal(t, 66*time.Second, TransactionTimeout())

	// Explicit value wins
	Config.Transaction.TransactionTimeoutMS = 5000
	assert.Equal(t, 5*time.Second, TransactionTimeout())
}

func TestConcurrencyLevel(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	for ioThreads, want := range map[int]int{1: 2, 3: 8, 64: 128, 100: 256} {
		Config.Transaction.IOThreads = ioThreads
		assert.Equal(t, want, ConcurrencyLevel(), "io_threads=%d", ioThreads)
	}
}

func TestActiveCacheShards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	assert.Equal(t, 15, ActiveCacheShards(), "default 124 entries over 128 stripes")

	Config.Cache.ActiveSize = 4
	assert.Equal(t, 1, ActiveCacheShards())

	Config.Cache.ActiveSize = 100000
	Config.Transaction.IOThreads = 3
	assert.Equal(t, 8, ActiveCacheShards(), "capped at the concurrency level")
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "data")
	Config = Default()
	Config.DataDir = tempDir
	Config.NodeID = 3

	require.NoError(t, Load("non-existent-file.toml"))
	assert.Equal(t, uint64(3), Config.NodeID)

	_, err := os.Stat(tempDir)
	assert.NoError(t, err, "data directory should be created")
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 7
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[transaction]
keep_alive_interval_ms = 2000
committing_pause_ms = 50

[cache]
completed_size = 1024

[read_resolver]
threads = 2
queue_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	Config = Default()
	require.NoError(t, Load(path))

	assert.Equal(t, uint64(7), Config.NodeID)
	assert.Equal(t, 2000, Config.Transaction.KeepAliveIntervalMS)
	assert.Equal(t, 50*time.Millisecond, CommittingPause())
	assert.Equal(t, 1024, Config.Cache.CompletedSize)
	assert.Equal(t, 2, Config.ReadResolver.Threads)
	// Untouched sections keep defaults
	assert.Equal(t, 124, Config.Cache.ActiveSize)
	require.NoError(t, Validate())
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}
	id2, err := generateNodeID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "node ID should be stable for a machine")
}
