package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CMDB core.
type Metrics struct {
	// Request metrics
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec

	// Reconciliation metrics
	CIsReconciled    *prometheus.CounterVec
	CollisionsOpened prometheus.Counter
	LifecycleMoves   *prometheus.CounterVec
	OrphansDetected  prometheus.Counter

	// Sync job metrics
	JobsEnqueued *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Operational event counter mirrored from the in-process hub
	OperationalEvents *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cmdb_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_rate_limited_total",
				Help: "Requests rejected by the sliding-window rate limiter",
			},
			[]string{"scope"}, // scope: global, mutating
		),

		CIsReconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_cis_reconciled_total",
				Help: "Configuration items processed by the reconciler",
			},
			[]string{"outcome"}, // outcome: created, updated, skipped
		),

		CollisionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cmdb_governance_collisions_total",
				Help: "Identity collisions recorded for governance review",
			},
		),

		LifecycleMoves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_lifecycle_transitions_total",
				Help: "Lifecycle state transitions applied by the inactivity sweep",
			},
			[]string{"from", "to"},
		),

		OrphansDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cmdb_governance_orphans_total",
				Help: "Active CIs flagged with no relationships",
			},
		),

		JobsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_sync_jobs_enqueued_total",
				Help: "Sync jobs accepted into the queue",
			},
			[]string{"job_type"},
		),

		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_sync_jobs_finished_total",
				Help: "Sync jobs that reached a terminal state or were retried",
			},
			[]string{"job_type", "outcome"}, // outcome: succeeded, retried, failed
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cmdb_sync_job_duration_seconds",
				Help:    "Wall-clock duration of sync job execution",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"job_type"},
		),

		OperationalEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdb_operational_events_total",
				Help: "Operational events recorded by the telemetry hub",
			},
			[]string{"event_type"},
		),
	}
}
