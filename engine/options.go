package engine

import (
	"time"

	"github.com/maxpert/sitxn/keepalive"
	"github.com/maxpert/sitxn/si"
	"github.com/maxpert/sitxn/txn"
	"github.com/maxpert/sitxn/txncache"
)

// Options configures every component the engine owns
type Options struct {
	// TransactionTimeout is how long a transaction survives without a keep-alive
	TransactionTimeout time.Duration
	// CommittingPause is the single wait a reader applies to a COMMITTING writer
	CommittingPause time.Duration

	KeepAlive          keepalive.Options
	Cache              txncache.Options
	Resolver           si.ResolverOptions
	Rollforward        si.RollforwardOptions
	RollforwardEnabled bool

	// Now overrides the wall clock used for keep-alive staleness (tests only)
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		TransactionTimeout: 150 * time.Second,
		CommittingPause:    time.Second,
		KeepAlive:          keepalive.DefaultOptions(),
		Cache:              txncache.DefaultOptions(),
		Resolver:           si.DefaultResolverOptions(),
		Rollforward:        si.RollforwardOptions{Interval: 30 * time.Second, BatchSize: 1024},
		RollforwardEnabled: true,
	}
}

type beginConfig struct {
	isolation txn.IsolationLevel
	additive  bool
	writable  bool
	tables    []string
}

// BeginOption customizes a root transaction
type BeginOption func(*beginConfig)

// WithIsolation sets the isolation level; the default is Snapshot
func WithIsolation(level txn.IsolationLevel) BeginOption {
	return func(c *beginConfig) { c.isolation = level }
}

// WithAdditive marks the transaction's writes as append-only
func WithAdditive() BeginOption {
	return func(c *beginConfig) { c.additive = true }
}

// WithWritable begins the transaction already elevated for tables
func WithWritable(tables ...string) BeginOption {
	return func(c *beginConfig) {
		c.writable = true
		c.tables = append(c.tables, tables...)
	}
}
