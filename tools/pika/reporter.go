package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] txn/sec: %6d | total: %8d | errors: %4d | retries: %4d | throughput: %.1f txn/sec\n",
				elapsed.Seconds(),
				snap.Ops-last.Ops,
				snap.Ops,
				snap.Errors,
				snap.Retries,
				float64(snap.Ops)/elapsed.Seconds(),
			)

			last = snap
		}
	}
}
