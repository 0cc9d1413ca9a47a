package main

import (
	"fmt"
	"time"

	"github.com/maxpert/sitxn/txn"
)

type Config struct {
	// Storage
	DataDir  string
	InMemory bool
	Table    string

	// Load options
	Accounts       int
	InitialBalance int64

	// Run options
	Workload   string
	Operations int
	Duration   time.Duration
	Threads    int
	Isolation  string

	// Workload percentages (-1 means use workload default)
	ReadPct     int
	TransferPct int
	AuditPct    int

	// Retry
	Retry      bool
	MaxRetries int

	// Verify after run
	Verify bool

	// Derived
	isolation txn.IsolationLevel
}

func (c *Config) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}

	if c.Table == "" {
		return fmt.Errorf("table cannot be empty")
	}

	if c.Accounts < 2 {
		return fmt.Errorf("accounts must be at least 2")
	}

	if c.InitialBalance < 0 {
		return fmt.Errorf("initial balance must be non-negative")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative")
	}

	if c.Isolation == "" {
		c.Isolation = txn.Snapshot.String()
	}
	level, err := txn.ParseIsolationLevel(c.Isolation)
	if err != nil {
		return err
	}
	c.isolation = level

	switch c.Workload {
	case "mixed", "transfer-only", "read-heavy":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|transfer-only|read-heavy)", c.Workload)
	}

	return nil
}

func (c *Config) IsolationLevel() txn.IsolationLevel {
	return c.isolation
}

// ExpectedTotal is the balance sum every transfer must preserve
func (c *Config) ExpectedTotal() int64 {
	return int64(c.Accounts) * c.InitialBalance
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	switch c.Workload {
	case "mixed":
		dist = WorkloadDistribution{Read: 30, Transfer: 65, Audit: 5}
	case "transfer-only":
		dist = WorkloadDistribution{Read: 0, Transfer: 100, Audit: 0}
	case "read-heavy":
		dist = WorkloadDistribution{Read: 80, Transfer: 15, Audit: 5}
	}

	if c.ReadPct >= 0 {
		dist.Read = c.ReadPct
	}
	if c.TransferPct >= 0 {
		dist.Transfer = c.TransferPct
	}
	if c.AuditPct >= 0 {
		dist.Audit = c.AuditPct
	}

	return dist
}

type WorkloadDistribution struct {
	Read     int
	Transfer int
	Audit    int
}

func (w WorkloadDistribution) Total() int {
	return w.Read + w.Transfer + w.Audit
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
