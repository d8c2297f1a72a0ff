// Package metrics exposes Prometheus collectors for the assessment service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqol"

// Registry holds every collector of the service. A dedicated registry keeps
// tests free of global registration conflicts.
var Registry = prometheus.NewRegistry()

var (
	// StageRuns counts stage executions by stage and outcome.
	StageRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "stage_runs_total",
		Help:      "Workflow stage executions by outcome.",
	}, []string{"stage", "status"})

	// StageDuration observes stage wall time.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "stage_duration_seconds",
		Help:      "Workflow stage duration.",
		Buckets:   []float64{.005, .05, .25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	// Turns counts invocations of the workflow by how they ended.
	Turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "turns_total",
		Help:      "Workflow invocations by terminal outcome.",
	}, []string{"outcome"})

	// LLMCalls counts model calls by provider, mode and result.
	LLMCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Language model calls.",
	}, []string{"provider", "mode", "result"})

	// LLMTokens counts streamed tokens by provider.
	LLMTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "stream_tokens_total",
		Help:      "Streamed token chunks received from language models.",
	}, []string{"provider"})

	// EventsDropped counts live events a slow subscriber missed.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "subscriber_dropped_total",
		Help:      "Events not delivered to a full subscriber buffer.",
	})

	// BusySessions counts turns rejected because the session was already running.
	BusySessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "busy_rejections_total",
		Help:      "Turns rejected by per-session single flight.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		StageRuns,
		StageDuration,
		Turns,
		LLMCalls,
		LLMTokens,
		EventsDropped,
		BusySessions,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
