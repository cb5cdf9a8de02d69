// Package sched provides priority, dependency, and retry aware execution
// of units of work.
//
// Tasks are held in a priority structure keyed by (priority desc,
// scheduled time asc). A task is ready when its scheduled time has passed
// and every dependency has completed; completion of a dependency wakes
// the dispatch loop rather than being polled for. Failed attempts are
// re-enqueued with exponential backoff until the attempt ceiling is
// reached. Terminal transitions are published on the event bus.
package sched

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task describes a unit of work submitted to the scheduler.
type Task struct {
	// ID uniquely identifies the task. Generated when empty.
	ID string

	// Owner is the submitting participant's identifier.
	Owner string

	// Kind selects the registered handler.
	Kind string

	// Payload is passed opaquely to the handler.
	Payload any

	// ScheduledAt is the earliest execution time. Zero means now.
	ScheduledAt time.Time

	// Priority orders the ready set; higher runs sooner.
	Priority int

	// Dependencies lists task IDs that must complete first.
	Dependencies []string

	// ResourceTag assigns the task to a compute class with its own
	// concurrency ceiling, e.g. "gpu-class". Empty means untagged.
	ResourceTag string

	// MaxAttempts bounds execution attempts. Zero means the default.
	MaxAttempts int
}

// Handler executes a task's payload and returns its result.
type Handler func(ctx context.Context, payload any) (any, error)

// Info is a point-in-time snapshot of a scheduled task.
type Info struct {
	ID       string
	Owner    string
	Kind     string
	Status   Status
	Attempts int
	Priority int
}
