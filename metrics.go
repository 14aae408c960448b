package saga

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()
	metricsOnce     sync.Once

	sagasStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_instances_started_total",
		Help: "Total number of saga instances started.",
	})
	sagasFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_instances_finished_total",
			Help: "Total number of saga instances reaching a terminal status.",
		},
		[]string{"status"},
	)
	sagasCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_instances_cancelled_total",
		Help: "Total number of cancel requests accepted.",
	})
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_commands_dispatched_total",
			Help: "Total number of commands dispatched to participants.",
		},
		[]string{"direction"},
	)
	resultsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_results_discarded_total",
		Help: "Total number of duplicate, stale, or malformed results discarded.",
	})
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Time from command dispatch to attempt resolution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"direction"},
	)
)

func initMetrics() {
	metricsOnce.Do(func() {
		metricsRegistry.MustRegister(
			sagasStarted,
			sagasFinished,
			sagasCancelled,
			commandsDispatched,
			resultsDiscarded,
			stepDuration,
		)
	})
}

// MetricsHandler exposes the engine's Prometheus metrics endpoint handler.
func MetricsHandler() http.Handler {
	initMetrics()
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}
