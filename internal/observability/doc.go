// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for threadline.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (OpenAI
// keys, Discord bot tokens, OAuth tokens) and attaches correlation ids stored
// in the context with WithUserID, WithThreadID, WithRunID and WithTurnID:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.WithUserID(ctx, "1234")
//	logger.InfoContext(ctx, "turn started")
//
// # Metrics
//
// NewMetrics registers the threadline_* collectors with a registerer. A nil
// *Metrics records nothing.
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// is a no-op otherwise.
package observability
