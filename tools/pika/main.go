package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load":
		runLoad(args)
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - sitxn transfer workload and consistency checker

Usage:
  pika <command> [options]

Commands:
  load      Create accounts with an initial balance
  run       Run concurrent transfers, reads and audits
  verify    Check that the balance total is unchanged
  version   Print version
  help      Show this help

Common Options:
  --data-dir      Store directory (default: ./pika-data)
  --table         Table name (default: accounts)
  --accounts      Number of accounts (default: 1000)
  --balance       Initial balance per account (default: 1000)

Load Options:
  --threads       Number of concurrent loaders (default: 4)

Run Options:
  --load          Load accounts before running (default: false)
  --in-memory     Use an in-memory store, implies --load (default: false)
  --workload      Workload type: mixed|transfer-only|read-heavy (default: mixed)
  --isolation     SNAPSHOT|READ_COMMITTED|READ_UNCOMMITTED (default: SNAPSHOT)
  --operations    Total transactions to execute (default: 50000)
  --duration      Duration to run (e.g., 60s), overrides --operations
  --threads       Number of concurrent workers (default: 20)
  --read-pct      Read percentage (overrides workload default)
  --transfer-pct  Transfer percentage (overrides workload default)
  --audit-pct     Audit percentage (overrides workload default)
  --retry         Retry on write conflict (default: true)
  --max-retries   Maximum retry attempts (default: 5)
  --verify        Verify balances after the run (default: true)

Examples:
  pika load --data-dir=/tmp/bank --accounts=10000
  pika run --data-dir=/tmp/bank --workload=transfer-only --threads=32 --duration=30s
  pika run --in-memory --operations=20000
  pika verify --data-dir=/tmp/bank --accounts=10000`)
}

func commonFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DataDir, "data-dir", "./pika-data", "Store directory")
	fs.StringVar(&cfg.Table, "table", "accounts", "Table name")
	fs.IntVar(&cfg.Accounts, "accounts", 1000, "Number of accounts")
	fs.Int64Var(&cfg.InitialBalance, "balance", 1000, "Initial balance per account")
}

func parseOrExit(fs *flag.FlagSet, args []string, cfg *Config) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func openOrExit(cfg *Config) *Env {
	env, err := OpenEnv(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	return env
}

func runLoad(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	commonFlags(fs, cfg)
	fs.IntVar(&cfg.Threads, "threads", 4, "Number of concurrent loaders")
	parseOrExit(fs, args, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	env := openOrExit(cfg)
	defer env.Close()

	if err := executeLoad(ctx, env, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(args []string) {
	cfg := &Config{}
	var load bool
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	commonFlags(fs, cfg)
	fs.BoolVar(&load, "load", false, "Load accounts before running")
	fs.BoolVar(&cfg.InMemory, "in-memory", false, "Use an in-memory store")
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.StringVar(&cfg.Isolation, "isolation", "SNAPSHOT", "Isolation level for every transaction")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total transactions to execute")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Threads, "threads", 20, "Number of concurrent workers")
	fs.IntVar(&cfg.ReadPct, "read-pct", -1, "Read percentage (overrides workload)")
	fs.IntVar(&cfg.TransferPct, "transfer-pct", -1, "Transfer percentage (overrides workload)")
	fs.IntVar(&cfg.AuditPct, "audit-pct", -1, "Audit percentage (overrides workload)")
	fs.BoolVar(&cfg.Retry, "retry", true, "Retry on write conflict")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 5, "Maximum retry attempts")
	fs.BoolVar(&cfg.Verify, "verify", true, "Verify balances after the run")
	parseOrExit(fs, args, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	env := openOrExit(cfg)
	defer env.Close()

	if load || cfg.InMemory {
		if err := executeLoad(ctx, env, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
	}

	if _, err := executeRun(ctx, env, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.Verify {
		if err := executeVerify(context.Background(), env, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func runVerify(args []string) {
	cfg := &Config{Threads: 1}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	commonFlags(fs, cfg)
	parseOrExit(fs, args, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	env := openOrExit(cfg)
	defer env.Close()

	if err := executeVerify(ctx, env, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
}
