// Package telemetry provides the structured logging and metrics hooks used by
// the reconciliation engine. Implementations typically delegate to Clue and
// OpenTelemetry but the interfaces are intentionally small so tests can provide
// lightweight stubs and library consumers are never forced to configure a
// logging backend.
package telemetry

import "context"

type (
	// Logger captures structured logging used throughout the engine. All engine
	// components accept a Logger and default to Noop when none is provided, so
	// logging never becomes a construction error.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes the counters the engine emits while making reconciliation
	// decisions: subscriptions opened, duplicate starts suppressed, optimism
	// timeouts fired, intents replayed or discarded.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
	}

	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}
)

// Metric names emitted by the engine. Declared here so dashboards and tests
// reference one set of constants.
const (
	// MetricSubscriptionsOpened counts transport subscriptions actually opened.
	MetricSubscriptionsOpened = "runlink_subscriptions_opened"
	// MetricDuplicateStartsSuppressed counts start requests refused by the
	// lastStartedRunID identity guard.
	MetricDuplicateStartsSuppressed = "runlink_duplicate_starts_suppressed"
	// MetricOptimismTimeouts counts optimistic projections that exited via a
	// timeout rather than real evidence. Tagged with kind=hard|soft.
	MetricOptimismTimeouts = "runlink_optimism_timeouts"
	// MetricIntentReplays counts pending intents replayed after a reload.
	MetricIntentReplays = "runlink_intent_replays"
	// MetricIntentDiscards counts pending intents discarded as stale.
	MetricIntentDiscards = "runlink_intent_discards"
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}
