// Package observability collects Prometheus metrics for the turn engine,
// provider adapters, and tool executions.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. All recording methods are
// safe on a nil receiver, so components can treat metrics as optional.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: outcome (completed|suspended|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds, from inbound
	// message to terminal message or suspension.
	TurnDuration prometheus.Histogram

	// ProviderRequestCounter counts model calls.
	// Labels: provider (anthropic|openai|google), outcome (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, outcome (success|error)
	ToolExecutionCounter *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors with the given registerer. Tests
// pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strand_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_provider_requests_total",
				Help: "Total number of model calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_tool_executions_total",
				Help: "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
	}
}

// RecordTurn records a completed turn and its duration.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordProviderRequest records one model call.
func (m *Metrics) RecordProviderRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, outcome).Inc()
}
