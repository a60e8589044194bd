// Package observability provides metrics, structured logging, tracing,
// and an event timeline for the skill runtime.
//
// # Metrics
//
// Prometheus collectors are registered on the default registry at init and
// exported as package-level variables, so any component can record without
// plumbing a registry through constructors:
//
//	observability.SkillExecutions.WithLabelValues("dice", "ok").Inc()
//	observability.SkillExecutionDuration.WithLabelValues("dice").Observe(0.42)
//
// # Logging
//
// Logging is built on slog with automatic context correlation and
// redaction. Skill parameters and subprocess output flow through log
// fields, so secrets a user pastes into a conversation are scrubbed before
// they reach the log stream:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	logger.Install()
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "skill executed", "skill", name, "duration", d)
//
// # Tracing
//
// Tracing uses OpenTelemetry with an optional OTLP exporter. Without an
// endpoint configured, spans are no-ops and cost nearly nothing:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "skillhost",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//	ctx, span := tracer.TraceSkillExecution(ctx, "dice", sessionID)
//	defer span.End()
//
// # Event timeline
//
// The timeline is a bounded in-memory ring of lifecycle events
// (execution started, cache evicted, parse fallback) used by the stats
// surface and for debugging. Recording never blocks an execution.
package observability
