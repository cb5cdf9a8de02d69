package sched

import (
	"container/heap"
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

// Config configures scheduler behavior.
type Config struct {
	// MaxConcurrent is the global ceiling on running tasks.
	// Default: 10
	MaxConcurrent int

	// TagLimits maps resource tags to per-tag concurrency ceilings.
	// Tags without an entry are bounded only by MaxConcurrent.
	TagLimits map[string]int

	// DefaultMaxAttempts is applied when a task's MaxAttempts is zero.
	// Default: 3
	DefaultMaxAttempts int

	// Backoff is the resubmission delay schedule for failed attempts.
	Backoff errors.BackoffConfig

	// Bus receives task_completed/task_failed/task_cancelled events.
	// Nil disables event emission.
	Bus *event.Bus

	// Logger receives execution logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records execution counts and latencies.
	// Default: NoopMetrics.
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxConcurrent:      10,
	DefaultMaxAttempts: 3,
	Backoff:            errors.DefaultBackoff,
}

// Settings is the subset of Config that can be changed at runtime, e.g.
// by a configuration reload.
type Settings struct {
	// MaxConcurrent replaces the global ceiling when positive.
	MaxConcurrent int

	// TagLimits replaces the per-tag ceilings when non-nil.
	TagLimits map[string]int

	// DefaultMaxAttempts replaces the attempt default when positive.
	DefaultMaxAttempts int
}

// record is the scheduler-owned state of a submitted task.
type record struct {
	task     Task
	status   Status
	attempts int
	seq      uint64

	// remaining holds dependency IDs not yet completed. The record sits
	// out of the ready queue until this drains.
	remaining map[string]struct{}

	// dependents lists task IDs waiting on this record.
	dependents []string

	cancelRun       context.CancelFunc
	cancelRequested bool

	result any
	err    error
}

// completion is sent from an executor goroutine back to the dispatch
// loop, which owns all counter mutation.
type completion struct {
	id       string
	result   any
	err      error
	duration time.Duration
}

// Scheduler owns every task from submission to terminal status.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	tasks    map[string]*record
	ready    readyQueue
	running  int
	tagBusy  map[string]int
	nextSeq  uint64
	handlers *registry.Table[string, Handler]

	wake        chan struct{}
	completions chan completion
	stop        chan struct{}
	done        chan struct{}
	started     bool
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultConfig.DefaultMaxAttempts
	}
	if cfg.Backoff == (errors.BackoffConfig{}) {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Scheduler{
		cfg:         cfg,
		tasks:       make(map[string]*record),
		tagBusy:     make(map[string]int),
		handlers:    registry.New[string, Handler](),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, 64),
	}
}

// RegisterHandler installs the handler for a task kind, replacing any
// previous registration.
func (s *Scheduler) RegisterHandler(kind string, handler Handler) {
	s.handlers.Put(kind, handler)
}

// Schedule validates and accepts a task, returning its ID. Malformed
// submissions, unknown handlers, and unknown or cyclic dependencies are
// rejected synchronously with a ValidationError.
func (s *Scheduler) Schedule(task Task) (string, error) {
	if task.Kind == "" {
		return "", &errors.ValidationError{Field: "kind", Message: "must not be empty"}
	}
	if !s.handlers.Has(task.Kind) {
		return "", &errors.ValidationError{Field: "kind", Message: "no handler registered for " + task.Kind}
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return "", &errors.ValidationError{Field: "id", Message: "task " + task.ID + " already scheduled"}
	}

	remaining := make(map[string]struct{})
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return "", &errors.ValidationError{Field: "dependencies", Message: "task depends on itself"}
		}
		depRec, ok := s.tasks[dep]
		if !ok {
			return "", &errors.ValidationError{Field: "dependencies", Message: "unknown dependency " + dep}
		}
		switch depRec.status {
		case StatusCompleted:
			// Already satisfied.
		case StatusFailed, StatusCancelled:
			return "", &errors.ValidationError{Field: "dependencies", Message: "dependency " + dep + " is " + string(depRec.status)}
		default:
			remaining[dep] = struct{}{}
		}
	}
	if s.wouldCycleLocked(task.ID, task.Dependencies) {
		return "", &errors.ValidationError{Field: "dependencies", Message: "dependency cycle detected"}
	}

	rec := &record{
		task:      task,
		status:    StatusPending,
		seq:       s.nextSeq,
		remaining: remaining,
	}
	s.nextSeq++
	s.tasks[task.ID] = rec

	for dep := range remaining {
		s.tasks[dep].dependents = append(s.tasks[dep].dependents, task.ID)
	}

	if len(remaining) == 0 {
		heap.Push(&s.ready, rec)
	}

	s.signalWake()
	return task.ID, nil
}

// wouldCycleLocked walks the dependency edges reachable from deps and
// reports whether id is reachable. Dependencies must reference known
// tasks, so with id excluded the existing graph is already acyclic; the
// walk is bounded.
func (s *Scheduler) wouldCycleLocked(id string, deps []string) bool {
	seen := make(map[string]struct{})
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		if rec, ok := s.tasks[cur]; ok {
			stack = append(stack, rec.task.Dependencies...)
		}
	}
	return false
}

// Cancel cancels a task. Pending tasks are cancelled immediately;
// running tasks have their execution context cancelled and are marked
// cancelled on completion. Cancelling prevents any queued retry from
// firing. Cancelling a terminal task is an error.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Kind: "task", ID: id}
	}
	if rec.status.Terminal() {
		s.mu.Unlock()
		return &errors.ValidationError{Field: "id", Message: "task " + id + " already " + string(rec.status)}
	}

	if rec.status == StatusRunning {
		rec.cancelRequested = true
		if rec.cancelRun != nil {
			rec.cancelRun()
		}
		s.mu.Unlock()
		return nil
	}

	// Pending: cancel in place. The dispatch loop skips cancelled
	// records when it next drains the queue.
	rec.status = StatusCancelled
	cascade := s.collectDependentsLocked(rec)
	s.mu.Unlock()

	s.emitTerminal(rec, "task_cancelled", event.PriorityNormal, nil)
	for _, dep := range cascade {
		s.emitTerminal(dep, "task_cancelled", event.PriorityNormal, nil)
	}
	s.signalWake()
	return nil
}

// Status returns the current status of a task.
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return "", &errors.NotFoundError{Kind: "task", ID: id}
	}
	return rec.status, nil
}

// Get returns a snapshot of a task.
func (s *Scheduler) Get(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Info{}, &errors.NotFoundError{Kind: "task", ID: id}
	}
	return Info{
		ID:       rec.task.ID,
		Owner:    rec.task.Owner,
		Kind:     rec.task.Kind,
		Status:   rec.status,
		Attempts: rec.attempts,
		Priority: rec.task.Priority,
	}, nil
}

// Result returns the handler result of a completed task.
func (s *Scheduler) Result(id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "task", ID: id}
	}
	if rec.status != StatusCompleted {
		return nil, &errors.ValidationError{Field: "id", Message: "task " + id + " is " + string(rec.status)}
	}
	return rec.result, nil
}

// UpdateSettings applies runtime setting changes, typically from a
// configuration hot reload. Running tasks are unaffected; new ceilings
// apply from the next dispatch tick.
func (s *Scheduler) UpdateSettings(settings Settings) {
	s.mu.Lock()
	if settings.MaxConcurrent > 0 {
		s.cfg.MaxConcurrent = settings.MaxConcurrent
	}
	if settings.TagLimits != nil {
		s.cfg.TagLimits = settings.TagLimits
	}
	if settings.DefaultMaxAttempts > 0 {
		s.cfg.DefaultMaxAttempts = settings.DefaultMaxAttempts
	}
	s.mu.Unlock()
	s.signalWake()
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
	return nil
}

// Stop halts the dispatch loop and cancels running tasks. In-flight
// records are settled as cancelled and their slot and tag counters are
// released, so a later Start runs at full concurrency.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done := s.done

	var settled []*record
	for _, rec := range s.tasks {
		if rec.status == StatusRunning {
			rec.cancelRequested = true
			if rec.cancelRun != nil {
				rec.cancelRun()
				rec.cancelRun = nil
			}
			rec.status = StatusCancelled
			settled = append(settled, rec)
			settled = append(settled, s.collectDependentsLocked(rec)...)
		}
	}
	s.running = 0
	clear(s.tagBusy)
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, rec := range settled {
		s.emitTerminal(rec, "task_cancelled", event.PriorityNormal, nil)
	}
	return nil
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the scheduling tick. All slot and tag counter mutation happens
// here, so dispatch and release never race. The loop outlives the Start
// call, so it runs on the stop channel only and task handlers get an
// independent context.
func (s *Scheduler) loop() {
	defer close(s.done)
	ctx := context.Background()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.dispatchReady(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.wake:
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
		case <-timer.C:
		case <-s.stop:
			return
		}
	}
}

// dispatchReady starts every ready task that fits the concurrency
// ceilings and returns the earliest future scheduled time, if any.
func (s *Scheduler) dispatchReady(ctx context.Context) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var earliest time.Time
	var keep []*record

	for s.ready.Len() > 0 {
		rec := heap.Pop(&s.ready).(*record)
		if rec.status != StatusPending {
			continue
		}
		if rec.task.ScheduledAt.After(now) {
			if earliest.IsZero() || rec.task.ScheduledAt.Before(earliest) {
				earliest = rec.task.ScheduledAt
			}
			keep = append(keep, rec)
			continue
		}
		if s.running >= s.cfg.MaxConcurrent {
			keep = append(keep, rec)
			break
		}
		if limit, ok := s.cfg.TagLimits[rec.task.ResourceTag]; ok && rec.task.ResourceTag != "" {
			if s.tagBusy[rec.task.ResourceTag] >= limit {
				keep = append(keep, rec)
				continue
			}
		}
		s.startLocked(ctx, rec)
	}

	for _, rec := range keep {
		heap.Push(&s.ready, rec)
	}
	return earliest
}

// startLocked transitions a record to running and launches its executor.
func (s *Scheduler) startLocked(ctx context.Context, rec *record) {
	rec.status = StatusRunning
	rec.attempts++
	s.running++
	if rec.task.ResourceTag != "" {
		s.tagBusy[rec.task.ResourceTag]++
	}

	runCtx, cancel := context.WithCancel(ctx)
	rec.cancelRun = cancel

	handler, _ := s.handlers.Get(rec.task.Kind)
	id := rec.task.ID
	kind := rec.task.Kind
	payload := rec.task.Payload
	attempt := rec.attempts
	stopped := s.stop

	observability.LogTaskStart(s.cfg.Logger, id, kind, attempt)

	go func() {
		start := time.Now()
		result, err := invokeHandler(runCtx, handler, payload)
		cancel()
		select {
		case s.completions <- completion{id: id, result: result, err: err, duration: time.Since(start)}:
		case <-stopped:
		}
	}()
}

// invokeHandler runs a handler, converting panics into processing errors.
func invokeHandler(ctx context.Context, h Handler, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.ProcessingError{Stage: "handler", Message: "panic during execution"}
		}
	}()
	return h(ctx, payload)
}

// handleCompletion applies a finished attempt: release slots, settle the
// terminal status or schedule a retry, and wake dependents.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	s.mu.Lock()
	rec, ok := s.tasks[c.id]
	if !ok || rec.status != StatusRunning {
		// A record not in running state was already settled, e.g. by a
		// Stop that raced this completion. Its counters were released
		// there; applying the completion again would double-release.
		s.mu.Unlock()
		return
	}

	s.running--
	if rec.task.ResourceTag != "" {
		s.tagBusy[rec.task.ResourceTag]--
	}
	rec.cancelRun = nil

	s.cfg.Metrics.RecordTaskExecution(ctx, rec.task.Kind, c.duration, c.err)

	switch {
	case rec.cancelRequested:
		rec.status = StatusCancelled
		cascade := s.collectDependentsLocked(rec)
		s.mu.Unlock()
		s.emitTerminal(rec, "task_cancelled", event.PriorityNormal, nil)
		for _, dep := range cascade {
			s.emitTerminal(dep, "task_cancelled", event.PriorityNormal, nil)
		}

	case c.err == nil:
		rec.status = StatusCompleted
		rec.result = c.result
		released := s.releaseDependentsLocked(rec)
		s.mu.Unlock()
		observability.LogTaskComplete(s.cfg.Logger, rec.task.ID, float64(c.duration.Milliseconds()))
		s.emitTerminal(rec, "task_completed", event.PriorityNormal, nil)
		if released {
			s.signalWake()
		}

	case rec.attempts < rec.task.MaxAttempts:
		// Re-enqueue with backoff; the attempt index is zero-based.
		delay := s.cfg.Backoff.Delay(rec.attempts - 1)
		rec.status = StatusPending
		rec.task.ScheduledAt = time.Now().Add(delay)
		heap.Push(&s.ready, rec)
		s.mu.Unlock()
		observability.LogTaskRetry(s.cfg.Logger, rec.task.ID, rec.attempts, delay, c.err)
		s.cfg.Metrics.RecordTaskRetry(ctx, rec.task.Kind)
		s.signalWake()

	default:
		rec.status = StatusFailed
		rec.err = c.err
		cascade := s.collectDependentsLocked(rec)
		s.mu.Unlock()
		observability.LogTaskFailed(s.cfg.Logger, rec.task.ID, rec.attempts, c.err)
		s.emitTerminal(rec, "task_failed", event.PriorityHigh, c.err)
		for _, dep := range cascade {
			s.emitTerminal(dep, "task_cancelled", event.PriorityNormal, nil)
		}
	}
}

// releaseDependentsLocked removes the completed record from its
// dependents' remaining sets and queues any that became ready.
func (s *Scheduler) releaseDependentsLocked(rec *record) bool {
	released := false
	for _, depID := range rec.dependents {
		dep, ok := s.tasks[depID]
		if !ok || dep.status != StatusPending {
			continue
		}
		delete(dep.remaining, rec.task.ID)
		if len(dep.remaining) == 0 {
			heap.Push(&s.ready, dep)
			released = true
		}
	}
	return released
}

// collectDependentsLocked cancels, transitively, every pending task that
// can no longer run because this record reached failed or cancelled.
// Returns the records to emit events for.
func (s *Scheduler) collectDependentsLocked(rec *record) []*record {
	var cancelled []*record
	stack := append([]string(nil), rec.dependents...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		dep, ok := s.tasks[id]
		if !ok || dep.status != StatusPending {
			continue
		}
		dep.status = StatusCancelled
		cancelled = append(cancelled, dep)
		stack = append(stack, dep.dependents...)
	}
	return cancelled
}

// emitTerminal publishes a terminal transition on the event bus.
func (s *Scheduler) emitTerminal(rec *record, eventType string, priority event.Priority, err error) {
	if s.cfg.Bus == nil {
		return
	}
	data := map[string]any{
		"task_id": rec.task.ID,
		"kind":    rec.task.Kind,
		"owner":   rec.task.Owner,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if rec.status == StatusCompleted && rec.result != nil {
		data["result"] = rec.result
	}
	s.cfg.Bus.Emit(event.New(eventType, "task_scheduler", data, priority))
}
