package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: stage failures, timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed submissions, unknown identifiers.
	CategoryPermanent

	// CategoryRecoverable indicates a registered recovery strategy
	// should be consulted. Examples: agent and pipeline failures.
	CategoryRecoverable

	// CategoryFatal indicates the failure aborts a control sequence.
	// Examples: component startup failures.
	CategoryFatal
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category, attempt count, and
// the operation that produced it.
type CategorizedError struct {
	Err      error
	Category Category
	Attempts int
	Context  string
}

func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryPermanent
	}

	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return CategoryPermanent
	}

	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return CategoryFatal
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return CategoryRecoverable
	}

	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return CategoryRecoverable
	}

	var procErr *ProcessingError
	if errors.As(err, &procErr) {
		return CategoryTransient
	}

	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryPermanent
	}

	// Unknown errors are retried through the default processing path.
	return CategoryTransient
}

// Kind returns the classification key used to look up recovery
// strategies for an error.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "validation"
	}
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return "not_found"
	}
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return "initialization"
	}
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return "agent"
	}
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return "pipeline"
	}
	var procErr *ProcessingError
	if errors.As(err, &procErr) {
		return "processing"
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return "timeout"
	}
	return "unknown"
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
