// Package metrics exposes Prometheus collectors for compilation and detection runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Compilation metrics
	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_compilations_total",
			Help: "Total number of rule compilations by output format and status",
		},
		[]string{"format", "status"},
	)

	// Ingestion metrics
	IngestedRulesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_ingested_rules_total",
			Help: "Total number of rules processed by bundle ingestion, by outcome",
		},
		[]string{"outcome"},
	)

	// Detection run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_runs_total",
			Help: "Total number of detection runs by status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_sigma_run_duration_seconds",
			Help:    "Duration of detection runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_matches_total",
			Help: "Total number of documents matched by detection runs",
		},
	)

	TaggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_tagged_documents_total",
			Help: "Total number of documents tagged with a rule name",
		},
	)

	WriteBlockRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_write_block_retries_total",
			Help: "Total number of updates retried after clearing an index write block, by result",
		},
		[]string{"result"},
	)

	WriteBlockRestoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_write_block_restore_failures_total",
			Help: "Total number of write blocks that could not be restored after all attempts",
		},
	)

	// Scheduler metrics
	ScheduledJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_sigma_scheduled_jobs",
			Help: "Number of active jobs currently scheduled",
		},
	)

	SkippedTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_sigma_skipped_ticks_total",
			Help: "Total number of ticks skipped because the job's previous run was still in flight",
		},
	)
)
