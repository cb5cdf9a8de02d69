// Package event provides the kernel's priority-tiered event bus.
//
// Events are transient broadcast notifications: multiple consumers, no
// acknowledgement. The bus drains four priority lanes from highest to
// lowest on each dispatch tick; within a lane delivery is FIFO. A bounded
// history buffer retains recent events for introspection, and WaitFor
// blocks until a matching event is observed or a timeout elapses.
package event

import (
	"context"
	"time"
)

// Priority is the severity lane an event is dispatched in.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const numLanes = 4

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is a system-wide notification. Events are immutable once
// created; the kernel never persists them.
type Event struct {
	// Type identifies the event, e.g. "task_completed".
	Type string

	// Source names the component or participant that emitted it.
	Source string

	// Data is the opaque payload interpreted only by handlers.
	Data map[string]any

	// Priority selects the dispatch lane.
	Priority Priority

	// Timestamp is when the event was created.
	Timestamp time.Time
}

// New creates an event stamped with the current time.
func New(eventType, source string, data map[string]any, priority Priority) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

// Handler processes a dispatched event. Handler errors are logged and
// isolated; they never block delivery to other handlers.
type Handler func(ctx context.Context, evt Event) error

// Filter is an optional predicate evaluated before a handler is invoked.
// A false result skips the handler for that event.
type Filter func(evt Event) bool
