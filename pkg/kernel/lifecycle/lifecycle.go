// Package lifecycle sequences component startup and shutdown. It owns
// the system state machine and the per-component started flags.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrativewave/agentkernel/pkg/kernel/errors"
	"github.com/narrativewave/agentkernel/pkg/kernel/event"
	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
)

// State is the coordinator's position in the lifecycle state machine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Component is anything the coordinator brings up and tears down.
// Start and Stop must honor context cancellation; a step that outlives
// its timeout is treated as failed regardless.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Hook runs after a completed startup or shutdown sequence. Hook
// failures are logged, never propagated.
type Hook func(ctx context.Context) error

// ComponentStatus is the started flag and last transition time for one
// registered component.
type ComponentStatus struct {
	Name           string
	Started        bool
	LastTransition time.Time
}

const defaultStepTimeout = 30 * time.Second

type Config struct {
	StepTimeout time.Duration
	Bus         *event.Bus
	Logger      *slog.Logger
	Spans       observability.SpanManager
}

// Coordinator starts registered components in registration order and
// stops the ones that actually started in reverse. A failed or timed
// out startup step aborts the sequence and leaves the coordinator in
// StateError; shutdown from that state walks only the started stack.
type Coordinator struct {
	cfg   Config
	spans observability.SpanManager

	mu            sync.Mutex
	state         State
	components    []Component
	started       []Component
	statuses      map[string]*ComponentStatus
	startupHooks  []Hook
	shutdownHooks []Hook
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	spans := cfg.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	return &Coordinator{
		cfg:      cfg,
		spans:    spans,
		state:    StateStopped,
		statuses: make(map[string]*ComponentStatus),
	}
}

// Register appends a component to the startup order. Components can
// only be registered while the system is stopped.
func (c *Coordinator) Register(component Component) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return &errors.ValidationError{Field: "state", Message: "components can only be registered while stopped"}
	}
	name := component.Name()
	if _, exists := c.statuses[name]; exists {
		return &errors.ValidationError{Field: "name", Message: "component " + name + " already registered"}
	}
	c.components = append(c.components, component)
	c.statuses[name] = &ComponentStatus{Name: name}
	return nil
}

// AddStartupHook registers a hook to run after a successful startup
// sequence.
func (c *Coordinator) AddStartupHook(hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startupHooks = append(c.startupHooks, hook)
}

// AddShutdownHook registers a hook to run after the shutdown sequence.
func (c *Coordinator) AddShutdownHook(hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownHooks = append(c.shutdownHooks, hook)
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Statuses returns the per-component started flags in registration
// order.
func (c *Coordinator) Statuses() []ComponentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ComponentStatus, 0, len(c.components))
	for _, component := range c.components {
		out = append(out, *c.statuses[component.Name()])
	}
	return out
}

// StartSystem brings every registered component up in order. The first
// failing or timed out step aborts the sequence: already-started
// components stay up and the coordinator moves to StateError. There is
// no automatic rollback; call StopSystem to unwind.
func (c *Coordinator) StartSystem(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return &errors.ValidationError{Field: "state", Message: "cannot start from state " + string(c.state)}
	}
	c.state = StateStarting
	components := append([]Component(nil), c.components...)
	c.mu.Unlock()

	c.emit("system_starting", event.PriorityHigh, nil)

	for _, component := range components {
		name := component.Name()

		// A concurrent StopSystem moves the state off StateStarting;
		// the remaining steps must not run.
		c.mu.Lock()
		if state := c.state; state != StateStarting {
			c.mu.Unlock()
			return fmt.Errorf("startup aborted: system is %s", state)
		}
		c.mu.Unlock()

		observability.LogLifecycleStep(c.cfg.Logger, name, "start")

		stepCtx, span := c.spans.StartStepSpan(ctx, name, "start")
		err := c.runStep(stepCtx, name, component.Start)
		c.spans.EndSpanWithError(span, err)
		if err != nil {
			observability.LogLifecycleFailure(c.cfg.Logger, name, "start", err)
			c.setState(StateError)
			c.emit(name+"_startup_failed", event.PriorityCritical, map[string]any{
				"component": name,
				"error":     err.Error(),
			})
			return &errors.InitializationError{Component: name, Err: err}
		}

		c.mu.Lock()
		if state := c.state; state != StateStarting {
			// Shutdown drained the started stack while this step was in
			// flight; unwind the component it could not see.
			c.mu.Unlock()
			c.stopComponent(ctx, component)
			return fmt.Errorf("startup aborted: system is %s", state)
		}
		c.started = append(c.started, component)
		c.markTransitionLocked(name, true)
		c.mu.Unlock()
		c.emit(name+"_started", event.PriorityNormal, map[string]any{"component": name})
	}

	c.runHooks(ctx, "startup", c.snapshotHooks(true))

	c.mu.Lock()
	if state := c.state; state != StateStarting {
		c.mu.Unlock()
		return fmt.Errorf("startup aborted: system is %s", state)
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.emit("system_started", event.PriorityHigh, nil)
	return nil
}

// stopComponent unwinds one component outside the regular shutdown
// walk.
func (c *Coordinator) stopComponent(ctx context.Context, component Component) {
	name := component.Name()
	observability.LogLifecycleStep(c.cfg.Logger, name, "stop")
	if err := c.runStep(ctx, name, component.Stop); err != nil {
		observability.LogLifecycleFailure(c.cfg.Logger, name, "stop", err)
		c.emit(name+"_shutdown_failed", event.PriorityHigh, map[string]any{
			"component": name,
			"error":     err.Error(),
		})
	}
	c.mu.Lock()
	c.markTransitionLocked(name, false)
	c.mu.Unlock()
	c.emit(name+"_stopped", event.PriorityNormal, map[string]any{"component": name})
}

// StopSystem tears down the components that actually started, in
// reverse order. A failing step is logged and emitted but does not
// stop the walk. Stopping an already stopped system is a no-op.
func (c *Coordinator) StopSystem(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	started := append([]Component(nil), c.started...)
	c.started = nil
	c.mu.Unlock()

	c.emit("system_stopping", event.PriorityHigh, nil)

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		component := started[i]
		name := component.Name()
		observability.LogLifecycleStep(c.cfg.Logger, name, "stop")

		stepCtx, span := c.spans.StartStepSpan(ctx, name, "stop")
		err := c.runStep(stepCtx, name, component.Stop)
		c.spans.EndSpanWithError(span, err)
		if err != nil {
			observability.LogLifecycleFailure(c.cfg.Logger, name, "stop", err)
			c.emit(name+"_shutdown_failed", event.PriorityHigh, map[string]any{
				"component": name,
				"error":     err.Error(),
			})
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", name, err)
			}
		}

		c.mu.Lock()
		c.markTransitionLocked(name, false)
		c.mu.Unlock()
		c.emit(name+"_stopped", event.PriorityNormal, map[string]any{"component": name})
	}

	c.runHooks(ctx, "shutdown", c.snapshotHooks(false))
	c.setState(StateStopped)
	c.emit("system_stopped", event.PriorityHigh, nil)
	return firstErr
}

// runStep executes one start/stop function under the step timeout. The
// step runs in its own goroutine so a function that ignores its
// context still times out from the coordinator's point of view.
func (c *Coordinator) runStep(ctx context.Context, name string, step func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step(stepCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return &errors.TimeoutError{Operation: name, Duration: c.cfg.StepTimeout}
	}
}

func (c *Coordinator) runHooks(ctx context.Context, phase string, hooks []Hook) {
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			observability.LogHandlerError(c.cfg.Logger, "lifecycle", phase+"_hook", err)
		}
	}
}

func (c *Coordinator) snapshotHooks(startup bool) []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	if startup {
		return append([]Hook(nil), c.startupHooks...)
	}
	return append([]Hook(nil), c.shutdownHooks...)
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Coordinator) markTransitionLocked(name string, started bool) {
	status := c.statuses[name]
	status.Started = started
	status.LastTransition = time.Now()
}

func (c *Coordinator) emit(eventType string, priority event.Priority, data map[string]any) {
	if c.cfg.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	c.cfg.Bus.Emit(event.New(eventType, "lifecycle", data, priority))
}
