package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total number of scheduler ticks by result",
		},
		[]string{"result"}, // ok, error, skipped, panic
	)

	SchedulerClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_emails_claimed_total",
			Help: "Total number of emails moved from SCHEDULED to PROCESSING",
		},
	)

	SchedulerPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_emails_published_total",
			Help: "Total number of dispatch messages accepted by the broker",
		},
	)

	SchedulerRevertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_emails_reverted_total",
			Help: "Total number of claimed emails reverted to SCHEDULED after a failed publish",
		},
	)

	SchedulerUnconfirmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_publish_unconfirmed_total",
			Help: "Total number of claimed emails left PROCESSING because the broker never confirmed the publish",
		},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler claim-and-publish ticks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Worker metrics
var (
	WorkerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_outcomes_total",
			Help: "Total number of processed deliveries by outcome",
		},
		[]string{"outcome"}, // sent, discard, retry, failed, malformed, error
	)

	WorkerProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_processing_duration_seconds",
			Help:    "Duration of processing a single delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_in_flight",
			Help: "Number of deliveries currently being processed",
		},
	)
)

// Pool gauges, refreshed by the /health/db probe.
var (
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_acquired_connections",
			Help: "Pool connections currently checked out",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_idle_connections",
			Help: "Pool connections open and idle",
		},
	)
)

// ObservePool copies pool connection counts into the database gauges.
func ObservePool(stat *pgxpool.Stat) {
	if stat == nil {
		return
	}
	DBConnectionsActive.Set(float64(stat.AcquiredConns()))
	DBConnectionsIdle.Set(float64(stat.IdleConns()))
}
