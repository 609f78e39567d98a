package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects orchestrator metrics for Prometheus.
type Metrics struct {
	// QueryCounter counts processed queries.
	// Labels: outcome (success|error|clarification|confirmation)
	QueryCounter *prometheus.CounterVec

	// QueryDuration measures end-to-end query latency in seconds.
	QueryDuration prometheus.Histogram

	// PlanStepCounter counts executed plan steps.
	// Labels: provider, tool, status (success|error)
	PlanStepCounter *prometheus.CounterVec

	// ToolCallDuration measures adapter tool call latency in seconds.
	// Labels: provider
	ToolCallDuration *prometheus.HistogramVec

	// LLMRequestCounter counts planner LLM calls.
	// Labels: stage (router|planner|reply|summarizer), status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ActiveConnections tracks live adapter handles.
	ActiveConnections prometheus.Gauge

	// ReconnectCounter counts health-loop reconnect attempts.
	// Labels: provider
	ReconnectCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all orchestrator metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; a fresh
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicewire_queries_total",
				Help: "Total processed voice queries by outcome.",
			},
			[]string{"outcome"},
		),
		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicewire_query_duration_seconds",
				Help:    "End-to-end query processing latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		PlanStepCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicewire_plan_steps_total",
				Help: "Executed plan steps by provider, tool, and status.",
			},
			[]string{"provider", "tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicewire_tool_call_duration_seconds",
				Help:    "Adapter tool call latency by provider.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"provider"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicewire_llm_requests_total",
				Help: "Planner LLM calls by stage and status.",
			},
			[]string{"stage", "status"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicewire_active_connections",
				Help: "Live adapter handles across all users.",
			},
		),
		ReconnectCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicewire_reconnect_attempts_total",
				Help: "Health-loop reconnect attempts by provider.",
			},
			[]string{"provider"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.QueryCounter,
			m.QueryDuration,
			m.PlanStepCounter,
			m.ToolCallDuration,
			m.LLMRequestCounter,
			m.ActiveConnections,
			m.ReconnectCounter,
		)
	}

	return m
}
