package main

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/sitxn/engine"
	"github.com/maxpert/sitxn/kv"
	"github.com/maxpert/sitxn/tso"
)

// benchNodeID identifies the embedded engine in generated timestamps
const benchNodeID = 1

// Env is an embedded engine over its own pebble store.
type Env struct {
	Store  *kv.PebbleStore
	Engine *engine.Engine
}

// OpenEnv opens the store under cfg.DataDir, or in memory when cfg.InMemory is set.
func OpenEnv(cfg *Config) (*Env, error) {
	kvOpts := kv.DefaultOptions()
	kvOpts.SyncWrites = false
	kvOpts.LockStripes = 2 * cfg.Threads
	path := filepath.Join(cfg.DataDir, "store")
	if cfg.InMemory {
		kvOpts.FS = vfs.NewMem()
		path = ""
	}

	store, err := kv.OpenPebbleStore(path, kvOpts)
	if err != nil {
		return nil, err
	}

	alloc, err := tso.NewAllocator(store, tso.NewClock(benchNodeID), 10000)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create timestamp allocator: %w", err)
	}

	opts := engine.DefaultOptions()
	opts.Resolver.Workers = 2
	e, err := engine.New(store, alloc, opts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return &Env{Store: store, Engine: e}, nil
}

func (env *Env) Close() error {
	env.Engine.Close()
	return env.Store.Close()
}
