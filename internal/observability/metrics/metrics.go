// Package metrics 定义 Prometheus 指标并提供 /metrics 暴露接口。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "openmech"

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed",
	}, []string{"handler", "method", "code"})

	HTTPRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error",
	}, []string{"handler", "method"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	// Lifecycle
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "phase_transitions_total",
		Help:      "Total phase transitions persisted, by phase and resulting status",
	}, []string{"phase", "status"})

	TransactionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transactions_created_total",
		Help:      "Total transactions created",
	})

	ExternalCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "external_call_failures_total",
		Help:      "Total collaborator failures recorded on a phase",
	}, []string{"phase"})

	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "phase_duration_seconds",
		Help:      "Duration of a facade operation including collaborator calls",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase"})

	// Aggregator
	StatusPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "status_polls_total",
		Help:      "Total status polls, by resulting view status",
	}, []string{"status"})

	FinalResultsSynthesized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "final_results_total",
		Help:      "Total final results synthesized, by strategy type",
	}, []string{"strategy"})

	// Store
	StoreCASRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cas_retries_total",
		Help:      "Total optimistic update retries caused by concurrent writers",
	}, []string{"driver"})

	// Events
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total lifecycle events published, by driver and outcome",
	}, []string{"driver", "outcome"})
)
