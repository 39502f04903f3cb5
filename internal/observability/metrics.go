package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters the server exports: turn and step volume,
// tool executions, model usage, bus drops, and session lifecycle.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: provider, status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: provider
	TurnDuration *prometheus.HistogramVec

	// StepCounter counts model stream invocations inside turns.
	// Labels: provider, model
	StepCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// BusDropCounter counts subscriptions detached for falling behind.
	BusDropCounter prometheus.Counter

	// CredentialRefreshCounter counts token refreshes.
	// Labels: provider, status (success|error)
	CredentialRefreshCounter *prometheus.CounterVec

	// ActiveSessions tracks currently open sessions.
	ActiveSessions prometheus.Gauge

	// ErrorCounter tracks emitted error events.
	// Labels: code, source
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors with the given registerer. Pass nil to
// use the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_turns_total",
				Help: "Total number of finished turns by provider and status",
			},
			[]string{"provider", "status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coworker_turn_duration_seconds",
				Help:    "Duration of full turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider"},
		),
		StepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_steps_total",
				Help: "Total number of model stream invocations",
			},
			[]string{"provider", "model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coworker_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		BusDropCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coworker_bus_drops_total",
				Help: "Subscriptions detached after overflowing their buffer",
			},
		),
		CredentialRefreshCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_credential_refreshes_total",
				Help: "Token refresh attempts by provider and status",
			},
			[]string{"provider", "status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coworker_active_sessions",
				Help: "Current number of open sessions",
			},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coworker_errors_total",
				Help: "Error events emitted by code and source",
			},
			[]string{"code", "source"},
		),
	}
}

// RecordTurn records one finished turn.
func (m *Metrics) RecordTurn(provider, status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(provider, status).Inc()
	m.TurnDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordStep records one model stream invocation and its token usage.
func (m *Metrics) RecordStep(provider, model string, inputTokens, outputTokens int) {
	m.StepCounter.WithLabelValues(provider, model).Inc()
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordError records one emitted error event.
func (m *Metrics) RecordError(code, source string) {
	m.ErrorCounter.WithLabelValues(code, source).Inc()
}
