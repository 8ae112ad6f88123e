package eventstore

import (
	"context"
	"time"
)

// Logger interface for operational logging, warnings, and error reporting.
// Engines and the registry stay silent when no logger is configured.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsCollector interface for collecting store performance and operational
// metrics. The interface is dependency-free so any backend can implement it;
// oteladapters provides an OpenTelemetry implementation.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualLogger interface for context-aware logging with automatic trace
// correlation. It follows the same dependency-free pattern as MetricsCollector
// so users can plug in any logging backend that supports context-based
// correlation; oteladapters provides a log/slog bridge.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}
