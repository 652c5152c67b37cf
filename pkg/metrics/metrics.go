package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitesync_tasks_total",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitesync_tasks_in_flight",
			Help: "Current number of tasks leased by a worker and not yet finished",
		},
	)

	LeaseReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitesync_lease_reclaims_total",
			Help: "Total number of tasks reclaimed from an expired lease",
		},
	)

	BackoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitesync_backoff_seconds",
			Help:    "Computed backoff duration before a task's next retry",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	// Worker / fetch metrics
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitesync_fetch_duration_seconds",
			Help:    "Fetcher.fetch duration in seconds by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitesync_task_outcomes_total",
			Help: "Total number of tasks resolved, by terminal outcome",
		},
		[]string{"outcome"},
	)

	// Asset metrics
	AssetVersionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitesync_asset_versions_total",
			Help: "Total number of AssetVersion rows inserted, by diff class",
		},
		[]string{"diff_class"},
	)

	ExceptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitesync_exceptions_total",
			Help: "Total number of exceptions recorded, by kind",
		},
		[]string{"kind"},
	)

	// Executor metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitesync_runs_total",
			Help: "Total number of runs finalized, by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitesync_run_duration_seconds",
			Help:    "Wall-clock duration of a run from start to finalize",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	FrontierDenyRulesAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitesync_frontier_deny_rules_added_total",
			Help: "Total number of runtime deny rules merged into the frontier filter",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitesync_reconciliation_duration_seconds",
			Help:    "Duration of the one-shot missing-asset reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	MissingAssetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitesync_missing_assets_total",
			Help: "Total number of assets found missing by the reconciler across all runs",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByStatus,
		TasksInFlight,
		LeaseReclaimsTotal,
		BackoffSeconds,
		FetchDuration,
		TaskOutcomesTotal,
		AssetVersionsTotal,
		ExceptionsTotal,
		RunsTotal,
		ReconciliationDuration,
		MissingAssetsTotal,
		RunDuration,
		FrontierDenyRulesAdded,
	)
}

// Handler returns the Prometheus HTTP handler for a host binary to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
