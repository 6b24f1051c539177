package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the conversation pipeline.
//
// A nil *Metrics is valid; every recording method is a no-op on nil so
// components can run without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordTurn("completed", "", time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: state (completed|failed|cancelled|timed_out), reason
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall-clock turn latency in seconds.
	// Labels: state
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 20s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// ToolCallCounter counts capability dispatches.
	// Labels: capability, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures capability handler time in seconds.
	// Labels: capability
	ToolCallDuration *prometheus.HistogramVec

	// GuardRejections counts inbound events refused by the concurrency guard.
	// Labels: reason (busy|duplicate)
	GuardRejections *prometheus.CounterVec

	// SessionsCreated counts remote threads created for new users.
	SessionsCreated prometheus.Counter

	// RemoteCallCounter counts remote protocol calls.
	// Labels: op, status (success|error)
	RemoteCallCounter *prometheus.CounterVec

	// MessageCounter tracks transport messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_turns_total",
				Help: "Total number of finished turns by terminal state and reason",
			},
			[]string{"state", "reason"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"state"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_tool_calls_total",
				Help: "Total number of capability dispatches by capability and status",
			},
			[]string{"capability", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadline_tool_call_duration_seconds",
				Help:    "Duration of capability handlers in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"capability"},
		),

		GuardRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_guard_rejections_total",
				Help: "Total number of inbound events rejected by the concurrency guard",
			},
			[]string{"reason"},
		),

		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threadline_sessions_created_total",
				Help: "Total number of remote threads created",
			},
		),

		RemoteCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_remote_calls_total",
				Help: "Total number of remote assistant protocol calls by operation and status",
			},
			[]string{"op", "status"},
		),

		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadline_messages_total",
				Help: "Total number of transport messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(state, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(state, reason).Inc()
	m.TurnDuration.WithLabelValues(state).Observe(durationSeconds)
}

// RecordToolCall records one capability dispatch.
func (m *Metrics) RecordToolCall(capability, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(capability, status).Inc()
	m.ToolCallDuration.WithLabelValues(capability).Observe(durationSeconds)
}

// RecordGuardRejection records a busy or duplicate rejection.
func (m *Metrics) RecordGuardRejection(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

// SessionCreated records a new remote thread.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordRemoteCall records one remote protocol call.
func (m *Metrics) RecordRemoteCall(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RemoteCallCounter.WithLabelValues(op, status).Inc()
}

// MessageReceived increments the inbound message counter for a channel.
func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter for a channel.
func (m *Metrics) MessageSent(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}
