// Package observability provides structured logging, metrics, and
// tracing for the coordination kernel.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds task context to a logger.
// Returns a new logger with task_id, kind, and attempt fields.
func EnrichLogger(logger *slog.Logger, taskID, kind string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("task_id", taskID),
		slog.String("kind", kind),
		slog.Int("attempt", attempt),
	)
}

// LogTaskStart logs a task entering execution.
func LogTaskStart(logger *slog.Logger, taskID, kind string, attempt int) {
	if logger == nil {
		return
	}
	logger.Debug("task starting",
		slog.String("task_id", taskID),
		slog.String("kind", kind),
		slog.Int("attempt", attempt),
	)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, taskID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("task completed",
		slog.String("task_id", taskID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTaskRetry logs a failed attempt that will be retried.
func LogTaskRetry(logger *slog.Logger, taskID string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("task attempt failed, retrying",
		slog.String("task_id", taskID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogTaskFailed logs terminal task failure.
func LogTaskFailed(logger *slog.Logger, taskID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("task failed",
		slog.String("task_id", taskID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a handler failure during dispatch. Handler
// failures are isolated per handler and never abort the dispatch loop.
func LogHandlerError(logger *slog.Logger, component, key string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("component", component),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// LogReload logs a configuration reload outcome.
func LogReload(logger *slog.Logger, configType string, applied bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("config reload",
		slog.String("config_type", configType),
		slog.Bool("applied", applied),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogLifecycleStep logs a lifecycle step transition.
func LogLifecycleStep(logger *slog.Logger, component, action string) {
	if logger == nil {
		return
	}
	logger.Info("lifecycle step",
		slog.String("component", component),
		slog.String("action", action),
	)
}

// LogLifecycleFailure logs a failed lifecycle step.
func LogLifecycleFailure(logger *slog.Logger, component, action string, err error) {
	if logger == nil {
		return
	}
	logger.Error("lifecycle step failed",
		slog.String("component", component),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
