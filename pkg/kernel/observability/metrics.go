package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records kernel metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTaskExecution records a task attempt with its duration and
	// error status.
	RecordTaskExecution(ctx context.Context, kind string, duration time.Duration, err error)

	// RecordTaskRetry records a retry being scheduled for a task kind.
	RecordTaskRetry(ctx context.Context, kind string)

	// RecordEventDispatch records an event dispatch with its priority
	// lane and handler latency.
	RecordEventDispatch(ctx context.Context, eventType, priority string, duration time.Duration)

	// RecordConfigReload records a reload attempt for a config type.
	RecordConfigReload(ctx context.Context, configType string, applied bool)

	// RecordRecovery records a terminal recovery outcome for an error kind.
	RecordRecovery(ctx context.Context, errorKind string, recovered bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	taskExecutions  metric.Int64Counter
	taskLatency     metric.Float64Histogram
	taskErrors      metric.Int64Counter
	taskRetries     metric.Int64Counter
	eventDispatches metric.Int64Counter
	eventLatency    metric.Float64Histogram
	configReloads   metric.Int64Counter
	recoveries      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentkernel")

	taskExecutions, err := meter.Int64Counter("kernel.task.executions",
		metric.WithDescription("Number of task execution attempts"),
	)
	if err != nil {
		return nil, err
	}

	taskLatency, err := meter.Float64Histogram("kernel.task.latency_ms",
		metric.WithDescription("Task execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	taskErrors, err := meter.Int64Counter("kernel.task.errors",
		metric.WithDescription("Number of failed task attempts"),
	)
	if err != nil {
		return nil, err
	}

	taskRetries, err := meter.Int64Counter("kernel.task.retries",
		metric.WithDescription("Number of task retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	eventDispatches, err := meter.Int64Counter("kernel.event.dispatches",
		metric.WithDescription("Number of events dispatched"),
	)
	if err != nil {
		return nil, err
	}

	eventLatency, err := meter.Float64Histogram("kernel.event.latency_ms",
		metric.WithDescription("Event handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	configReloads, err := meter.Int64Counter("kernel.config.reloads",
		metric.WithDescription("Number of configuration reload attempts"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter("kernel.recovery.outcomes",
		metric.WithDescription("Number of terminal recovery outcomes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		taskExecutions:  taskExecutions,
		taskLatency:     taskLatency,
		taskErrors:      taskErrors,
		taskRetries:     taskRetries,
		eventDispatches: eventDispatches,
		eventLatency:    eventLatency,
		configReloads:   configReloads,
		recoveries:      recoveries,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordTaskExecution records a task attempt.
func (m *otelMetrics) RecordTaskExecution(ctx context.Context, kind string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
	}

	m.taskExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.taskErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordTaskRetry records a retry being scheduled.
func (m *otelMetrics) RecordTaskRetry(ctx context.Context, kind string) {
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEventDispatch records an event dispatch.
func (m *otelMetrics) RecordEventDispatch(ctx context.Context, eventType, priority string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("priority", priority),
	}
	m.eventDispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.eventLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordConfigReload records a reload attempt.
func (m *otelMetrics) RecordConfigReload(ctx context.Context, configType string, applied bool) {
	attrs := []attribute.KeyValue{
		attribute.String("config_type", configType),
		attribute.Bool("applied", applied),
	}
	m.configReloads.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRecovery records a terminal recovery outcome.
func (m *otelMetrics) RecordRecovery(ctx context.Context, errorKind string, recovered bool) {
	attrs := []attribute.KeyValue{
		attribute.String("error_kind", errorKind),
		attribute.Bool("recovered", recovered),
	}
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}
