// Package errors provides the kernel's error taxonomy, classification,
// and the shared backoff policy used by the scheduler and the recovery
// manager.
//
// Errors fall into a small set of concrete types. Callers classify an
// arbitrary error with Kind or Categorize and decide whether it is worth
// retrying, must be surfaced immediately, or should abort a startup
// sequence.
package errors

import (
	"fmt"
	"time"
)

// ValidationError indicates a malformed submission or configuration
// document. It is rejected synchronously and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NotFoundError indicates a referenced identifier is unknown to the
// kernel. Surfaced immediately, never retried.
type NotFoundError struct {
	Kind string // what was looked up, e.g. "task", "handler"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ProcessingError indicates a task or stage failed during execution.
// Processing errors are retried per the backoff policy.
type ProcessingError struct {
	Stage   string
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processing failed at %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("processing failed at %s: %s", e.Stage, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// InitializationError indicates a component failed to start. It aborts
// the remaining startup sequence.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization of %s failed: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// AgentError is a domain-level failure reported by a participant. It is
// routed through the recovery manager's strategy table.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// PipelineError is a pipeline-stage failure routed through the recovery
// manager's strategy table.
type PipelineError struct {
	Pipeline string
	Stage    string
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s stage %s: %v", e.Pipeline, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation exceeded its deadline. Timed-out
// startup steps are treated as initialization failures by the caller.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
