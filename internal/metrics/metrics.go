// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	JobsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_jobs_ingested_total",
		Help: "Files accepted by the ingestion pipeline",
	})

	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palantir_jobs_by_status",
		Help: "Current number of jobs per status",
	}, []string{"status"})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_jobs_claimed_total",
		Help: "Jobs claimed by workers",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_jobs_completed_total",
		Help: "Jobs completed successfully",
	})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palantir_jobs_failed_total",
		Help: "Job attempt failures by error code",
	}, []string{"code"})

	JobsStalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_jobs_stalled_total",
		Help: "Stall cycles applied to processing jobs",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "palantir_job_duration_seconds",
		Help:    "Wall-clock duration of successful transcriptions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2h
	})

	// Engine metrics
	EngineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palantir_engine_runs_total",
		Help: "Engine subprocess runs by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	// Reconciliation metrics
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_reconcile_runs_total",
		Help: "Reconciliation passes executed",
	})
	ReconcileJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_reconcile_jobs_created_total",
		Help: "Orphaned inbox files re-enqueued during reconciliation",
	})
	ReconcileJobsReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palantir_reconcile_jobs_reset_total",
		Help: "Zombie processing jobs reset during reconciliation",
	})
)
