// Package recovery classifies reported failures and drives registered
// recovery strategies with bounded retries, escalating what it cannot
// repair.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narrativewave/agentkernel/pkg/kernel/errors"
	"github.com/narrativewave/agentkernel/pkg/kernel/event"
	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
	"github.com/narrativewave/agentkernel/pkg/kernel/registry"
)

// ErrorContext describes where a failure came from. It travels with the
// error through recovery and into the history.
type ErrorContext struct {
	Component string
	Operation string
	Timestamp time.Time
	Details   map[string]any
	Origin    string
}

// Strategy attempts to repair a failure. A nil return means the error
// is recovered; a non-nil return triggers the next backoff attempt.
type Strategy func(ctx context.Context, err error, ectx ErrorContext) error

// Record is one concluded or still-active error.
type Record struct {
	ID          string
	Kind        string
	Message     string
	Context     ErrorContext
	Attempts    int
	Recovered   bool
	ConcludedAt time.Time
}

const (
	defaultMaxActive       = 10
	defaultMaxPerComponent = 5
	defaultHistorySize     = 1000
)

// Config tunes the recovery manager. Zero values pick the defaults
// above.
type Config struct {
	MaxActive       int
	MaxPerComponent int
	HistorySize     int
	Bus             *event.Bus
	Logger          *slog.Logger
	Metrics         observability.MetricsRecorder
}

type strategyEntry struct {
	strategy Strategy
	policy   errors.RetryPolicy
}

// Manager owns the active-error set, the strategy table, and the
// bounded outcome history. HandleError blocks for the duration of the
// recovery attempts, so callers dispatching from an event loop should
// invoke it from a goroutine.
type Manager struct {
	cfg        Config
	strategies *registry.Table[string, strategyEntry]
	metrics    observability.MetricsRecorder

	mu      sync.Mutex
	active  map[string]Record
	history []Record
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = defaultMaxActive
	}
	if cfg.MaxPerComponent <= 0 {
		cfg.MaxPerComponent = defaultMaxPerComponent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Manager{
		cfg:        cfg,
		strategies: registry.New[string, strategyEntry](),
		metrics:    metrics,
		active:     make(map[string]Record),
	}
}

// RegisterStrategy installs a strategy for an error kind as reported by
// errors.Kind. Registering again for the same kind replaces the
// previous strategy.
func (m *Manager) RegisterStrategy(kind string, strategy Strategy, policy errors.RetryPolicy) {
	if policy.MaxRetries <= 0 {
		policy = errors.DefaultRetryPolicy
	}
	m.strategies.Put(kind, strategyEntry{strategy: strategy, policy: policy})
}

// HandleError admits a failure, runs the registered strategy for its
// kind with backoff between attempts, and records the outcome. It
// returns nil when the error was recovered. Admission is refused when
// either active-error threshold is exceeded; the refusal surfaces as a
// threshold_exceeded event and a ProcessingError.
func (m *Manager) HandleError(ctx context.Context, err error, ectx ErrorContext) error {
	if err == nil {
		return nil
	}
	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = time.Now()
	}
	kind := errors.Kind(err)

	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxActive || m.componentCountLocked(ectx.Component) >= m.cfg.MaxPerComponent {
		m.mu.Unlock()
		m.emit("threshold_exceeded", event.PriorityCritical, map[string]any{
			"component": ectx.Component,
			"operation": ectx.Operation,
			"kind":      kind,
			"error":     err.Error(),
		})
		observability.LogHandlerError(m.cfg.Logger, ectx.Component, kind, err)
		return &errors.ProcessingError{
			Stage:   "error_admission",
			Message: "active error thresholds exceeded",
			Err:     err,
		}
	}
	rec := Record{
		ID:      uuid.New().String(),
		Kind:    kind,
		Message: err.Error(),
		Context: ectx,
	}
	m.active[rec.ID] = rec
	m.mu.Unlock()

	entry, hasStrategy := m.strategies.Get(kind)
	if !hasStrategy {
		m.concludeExhausted(ctx, rec, err)
		return err
	}

	for attempt := 0; attempt < entry.policy.MaxRetries; attempt++ {
		rec.Attempts = attempt + 1
		m.mu.Lock()
		if active, ok := m.active[rec.ID]; ok {
			active.Attempts = rec.Attempts
			m.active[rec.ID] = active
		}
		m.mu.Unlock()
		if sErr := entry.strategy(ctx, err, ectx); sErr == nil {
			m.concludeRecovered(ctx, rec)
			return nil
		}
		if attempt == entry.policy.MaxRetries-1 {
			break
		}
		select {
		case <-time.After(entry.policy.Backoff.Delay(attempt)):
		case <-ctx.Done():
			m.concludeExhausted(ctx, rec, err)
			return ctx.Err()
		}
	}
	m.concludeExhausted(ctx, rec, err)
	return err
}

// Resolve clears an active error by ID, recording it as recovered. It
// is the operator path for escalated errors.
func (m *Manager) Resolve(id string) error {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return &errors.NotFoundError{Kind: "error", ID: id}
	}
	delete(m.active, id)
	rec.Recovered = true
	rec.ConcludedAt = time.Now()
	m.appendHistoryLocked(rec)
	m.mu.Unlock()

	m.emit("error_resolved", event.PriorityNormal, map[string]any{
		"error_id":  rec.ID,
		"component": rec.Context.Component,
		"kind":      rec.Kind,
	})
	return nil
}

// ActiveErrors returns a snapshot of errors still awaiting resolution.
func (m *Manager) ActiveErrors() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec)
	}
	return out
}

// History returns up to limit most recent concluded errors, newest
// last. limit <= 0 returns everything retained.
func (m *Manager) History(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Record, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// ComponentErrors filters the retained history by component.
func (m *Manager) ComponentErrors(component string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.history {
		if rec.Context.Component == component {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Manager) componentCountLocked(component string) int {
	n := 0
	for _, rec := range m.active {
		if rec.Context.Component == component {
			n++
		}
	}
	return n
}

func (m *Manager) concludeRecovered(ctx context.Context, rec Record) {
	m.mu.Lock()
	delete(m.active, rec.ID)
	rec.Recovered = true
	rec.ConcludedAt = time.Now()
	m.appendHistoryLocked(rec)
	m.mu.Unlock()

	m.metrics.RecordRecovery(ctx, rec.Kind, true)
	m.emit("error_resolved", event.PriorityNormal, map[string]any{
		"error_id":  rec.ID,
		"component": rec.Context.Component,
		"operation": rec.Context.Operation,
		"kind":      rec.Kind,
		"attempts":  rec.Attempts,
	})
}

// concludeExhausted records the failed recovery in the history but
// keeps the error in the active set until Resolve clears it.
func (m *Manager) concludeExhausted(ctx context.Context, rec Record, err error) {
	m.mu.Lock()
	rec.Recovered = false
	rec.ConcludedAt = time.Now()
	m.active[rec.ID] = rec
	m.appendHistoryLocked(rec)
	m.mu.Unlock()

	m.metrics.RecordRecovery(ctx, rec.Kind, false)
	observability.LogHandlerError(m.cfg.Logger, rec.Context.Component, rec.Kind, err)
	m.emit("error_escalated", event.PriorityCritical, map[string]any{
		"error_id":  rec.ID,
		"component": rec.Context.Component,
		"operation": rec.Context.Operation,
		"kind":      rec.Kind,
		"error":     rec.Message,
		"attempts":  rec.Attempts,
	})
}

func (m *Manager) appendHistoryLocked(rec Record) {
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

func (m *Manager) emit(eventType string, priority event.Priority, data map[string]any) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Emit(event.New(eventType, "error_recovery", data, priority))
}
