// SPDX-License-Identifier: MIT
package metrics

import (
	"context"
	"time"

	"github.com/sonralabs/palantir/internal/job"
)

// StatusCounter supplies exact per-status counts. Satisfied by the queue.
type StatusCounter interface {
	CountByStatus() (map[job.Status]int, error)
}

// RunCollector refreshes the per-status gauges from the queue at the given
// interval until ctx is cancelled. The scrape endpoint therefore serves
// values at most one interval old.
func RunCollector(ctx context.Context, src StatusCounter, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	refresh := func() {
		counts, err := src.CountByStatus()
		if err != nil {
			return
		}
		for status, n := range counts {
			JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
