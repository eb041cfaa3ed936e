// Package metrics exposes prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lsh"

// Metrics holds every collector the daemon updates. Construct once and
// share; collectors are safe for concurrent use.
type Metrics struct {
	// Scheduler
	JobsScheduled  prometheus.Gauge
	SchedulerSweep prometheus.Counter
	JobsDispatched prometheus.Counter

	// Executor
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionsRunning   prometheus.Gauge
	ExecutionDuration   prometheus.Histogram
	ExecutionRetries    prometheus.Counter
	OutputBytesCaptured prometheus.Counter

	// Events
	BusEvents *prometheus.CounterVec

	// IPC
	IPCRequests *prometheus.CounterVec

	// Sync
	SyncPushes       *prometheus.CounterVec
	SyncPulls        *prometheus.CounterVec
	GatewayFallbacks prometheus.Counter
}

// New builds the metric set against a registerer. A nil registerer
// falls back to the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsScheduled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Jobs currently in the scheduler heap.",
		}),
		SchedulerSweep: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Scheduler control loop sweeps.",
		}),
		JobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_dispatched_total",
			Help:      "Due jobs handed to the executor.",
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Completed executions by terminal status.",
		}, []string{"status"}),
		ExecutionsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_running",
			Help:      "Executions with a live process.",
		}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of completed executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		ExecutionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Failed executions re-enqueued for retry.",
		}),
		OutputBytesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "output_bytes_total",
			Help:      "Bytes of child stdout/stderr captured.",
		}),
		BusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Bus events delivered to the daemon's subscriber, by type.",
		}, []string{"type"}),
		IPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		SyncPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Bundle pushes by outcome.",
		}, []string{"outcome"}),
		SyncPulls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Bundle pulls by outcome.",
		}, []string{"outcome"}),
		GatewayFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "gateway_fallbacks_total",
			Help:      "Downloads that fell back to a public gateway.",
		}),
	}
}
