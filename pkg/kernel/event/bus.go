package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
)

// BusConfig configures bus behavior.
type BusConfig struct {
	// HistorySize bounds the retained event history.
	// Default: 1000
	HistorySize int

	// Logger receives handler failure logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records dispatch counts and latencies.
	// Default: NoopMetrics.
	Metrics observability.MetricsRecorder
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HistorySize: 1000,
}

// handlerEntry pairs a handler with its optional filter.
type handlerEntry struct {
	handler Handler
	filter  Filter
}

// waiter is a one-shot WaitFor registration.
type waiter struct {
	ch chan Event
}

// Bus is the in-process priority-tiered event bus. A single dispatch
// goroutine drains the lanes, so priority-major, FIFO-minor ordering
// holds across every tick.
type Bus struct {
	config BusConfig

	mu       sync.Mutex
	lanes    [numLanes][]Event
	handlers map[string][]handlerEntry // event type -> handlers, "*" for all
	waiters  map[string][]*waiter
	history  []Event

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewBus creates an event bus. Start must be called before events are
// dispatched; Emit before Start queues the event.
func NewBus(config BusConfig) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultBusConfig.HistorySize
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	return &Bus{
		config:   config,
		handlers: make(map[string][]handlerEntry),
		waiters:  make(map[string][]*waiter),
		notify:   make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.dispatchLoop()
	return nil
}

// Stop halts the dispatch loop. Queued events are discarded.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RegisterHandler subscribes a handler to an event type. The type "*"
// receives every event. The filter, if non-nil, is evaluated before each
// invocation.
func (b *Bus) RegisterHandler(eventType string, handler Handler, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{handler: handler, filter: filter})
}

// Emit queues an event into its priority lane and records it in history.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	lane := int(evt.Priority)
	if lane < 0 || lane >= numLanes {
		lane = int(PriorityNormal)
	}
	b.lanes[lane] = append(b.lanes[lane], evt)

	b.history = append(b.history, evt)
	if len(b.history) > b.config.HistorySize {
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// WaitFor blocks until an event of the given type is dispatched, the
// timeout elapses, or ctx is cancelled. Timing out removes the waiter
// registration.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration) (Event, error) {
	w := &waiter{ch: make(chan Event, 1)}

	b.mu.Lock()
	b.waiters[eventType] = append(b.waiters[eventType], w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-w.ch:
		return evt, nil
	case <-timer.C:
		b.removeWaiter(eventType, w)
		return Event{}, context.DeadlineExceeded
	case <-ctx.Done():
		b.removeWaiter(eventType, w)
		return Event{}, ctx.Err()
	}
}

func (b *Bus) removeWaiter(eventType string, target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[eventType]
	for i, w := range ws {
		if w == target {
			b.waiters[eventType] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// Recent returns up to limit events from history, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// ByType returns all history events of the given type, oldest first.
func (b *Bus) ByType(eventType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, evt := range b.history {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// ClearHistory drops all retained history.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// dispatchLoop drains lanes from critical down to low on each tick.
// The loop outlives the Start call, so it runs on the stop channel only
// and hands handlers an independent context.
func (b *Bus) dispatchLoop() {
	defer close(b.done)
	ctx := context.Background()
	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
			for {
				evt, ok := b.next()
				if !ok {
					break
				}
				b.deliver(ctx, evt)
			}
		}
	}
}

// next pops the oldest event from the highest non-empty lane.
func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lane := numLanes - 1; lane >= 0; lane-- {
		if len(b.lanes[lane]) > 0 {
			evt := b.lanes[lane][0]
			b.lanes[lane] = b.lanes[lane][1:]
			return evt, true
		}
	}
	return Event{}, false
}

// deliver invokes every matching handler and resolves waiters.
func (b *Bus) deliver(ctx context.Context, evt Event) {
	b.mu.Lock()
	entries := make([]handlerEntry, 0, len(b.handlers[evt.Type])+len(b.handlers["*"]))
	entries = append(entries, b.handlers[evt.Type]...)
	entries = append(entries, b.handlers["*"]...)

	ws := b.waiters[evt.Type]
	delete(b.waiters, evt.Type)
	b.mu.Unlock()

	for _, w := range ws {
		w.ch <- evt
	}

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(evt) {
			continue
		}
		start := time.Now()
		if err := b.safeInvoke(ctx, entry.handler, evt); err != nil {
			observability.LogHandlerError(b.config.Logger, "event_bus", evt.Type, err)
		}
		b.config.Metrics.RecordEventDispatch(ctx, evt.Type, evt.Priority.String(), time.Since(start))
	}
}

// safeInvoke runs a handler, converting panics into errors so one bad
// handler cannot take down the dispatch loop.
func (b *Bus) safeInvoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h(ctx, evt)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
