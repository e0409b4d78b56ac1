package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "echomind"
)

var (
	checkCycleBuckets = []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60}

	// Orchestrator metrics
	SyncTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_triggers_total",
		Help:      "Count of sync dispatch attempts.",
	}, []string{"connector_type", "status"})

	CheckCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_cycle_duration_seconds",
		Help:      "Time taken for one check-and-trigger cycle.",
		Buckets:   checkCycleBuckets,
	})

	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dependency_up",
		Help:      "Whether a dependency connection is established (1) or down (0).",
	}, []string{"dependency"})

	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Count of background reconnection attempts.",
	}, []string{"dependency", "status"})

	// Provider metrics
	ProviderItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_items_total",
		Help:      "Count of change items materialized per provider.",
	}, []string{"provider", "action"})

	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_errors_total",
		Help:      "Count of per-item provider failures.",
	}, []string{"provider", "reason"})

	RateLimitSleepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_sleeps_total",
		Help:      "Count of throttling responses that caused a backoff sleep.",
	}, []string{"provider"})

	// Worker metrics
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of connector sync executions.",
	}, []string{"connector_type", "status"})

	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Time taken for a connector sync run to complete.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"connector_type"})
)
