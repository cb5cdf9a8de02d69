package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/narrativewave/agentkernel/pkg/kernel/config"
	"github.com/narrativewave/agentkernel/pkg/kernel/errors"
	"github.com/narrativewave/agentkernel/pkg/kernel/event"
	"github.com/narrativewave/agentkernel/pkg/kernel/lifecycle"
	"github.com/narrativewave/agentkernel/pkg/kernel/message"
	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
	"github.com/narrativewave/agentkernel/pkg/kernel/recovery"
	"github.com/narrativewave/agentkernel/pkg/kernel/sched"
)

// Config assembles a System. Zero values fall back to each
// component's defaults; ConfigDir is optional and disables the config
// watcher when empty.
type Config struct {
	ConfigDir string

	MaxConcurrent    int
	TagLimits        map[string]int
	RetryLimit       int
	EventHistorySize int
	DebounceWindow   time.Duration
	StepTimeout      time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// FromEnv builds a Config from the KERNEL_* environment variables.
func FromEnv() (Config, error) {
	opts, err := config.OptionsFromEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigDir:        opts.ConfigDir,
		MaxConcurrent:    opts.MaxConcurrent,
		RetryLimit:       opts.RetryLimit,
		EventHistorySize: opts.HistorySize,
		DebounceWindow:   opts.DebounceWindow,
	}, nil
}

// System wires the coordination components together behind one
// facade: the event bus, message router, task scheduler, error
// recovery manager, config watcher, and lifecycle coordinator.
// Participants register handlers before Start and interact through
// tasks, messages, and events afterward.
type System struct {
	cfg         Config
	bus         *event.Bus
	router      *message.Router
	scheduler   *sched.Scheduler
	recovery    *recovery.Manager
	watcher     *config.Watcher
	coordinator *lifecycle.Coordinator
	logger      *slog.Logger
}

// component adapts a start/stop pair to the lifecycle contract.
type component struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (c component) Name() string                    { return c.name }
func (c component) Start(ctx context.Context) error { return c.start(ctx) }
func (c component) Stop(ctx context.Context) error  { return c.stop(ctx) }

func New(cfg Config) (*System, error) {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsRecorder()
	}

	bus := event.NewBus(event.BusConfig{
		HistorySize: cfg.EventHistorySize,
		Logger:      cfg.Logger,
		Metrics:     metrics,
	})
	router := message.NewRouter(message.RouterConfig{Logger: cfg.Logger})
	scheduler := sched.New(sched.Config{
		MaxConcurrent:      cfg.MaxConcurrent,
		TagLimits:          cfg.TagLimits,
		DefaultMaxAttempts: cfg.RetryLimit,
		Bus:                bus,
		Logger:             cfg.Logger,
		Metrics:            metrics,
	})
	recov := recovery.NewManager(recovery.Config{
		Bus:     bus,
		Logger:  cfg.Logger,
		Metrics: metrics,
	})
	coordinator := lifecycle.NewCoordinator(lifecycle.Config{
		StepTimeout: cfg.StepTimeout,
		Bus:         bus,
		Logger:      cfg.Logger,
		Spans:       cfg.Spans,
	})

	s := &System{
		cfg:         cfg,
		bus:         bus,
		router:      router,
		scheduler:   scheduler,
		recovery:    recov,
		watcher:     nil,
		coordinator: coordinator,
		logger:      cfg.Logger,
	}

	if cfg.ConfigDir != "" {
		s.watcher = config.NewWatcher(config.WatcherConfig{
			Dir:      cfg.ConfigDir,
			Debounce: cfg.DebounceWindow,
			Bus:      bus,
			Logger:   cfg.Logger,
			Metrics:  metrics,
		})
		s.wireConfigCallbacks()
		if err := coordinator.Register(component{"config_watcher", s.watcher.Start, s.watcher.Stop}); err != nil {
			return nil, err
		}
	}

	steps := []component{
		{"message_router", router.Start, router.Stop},
		{"event_bus", bus.Start, bus.Stop},
		{"task_scheduler", scheduler.Start, scheduler.Stop},
	}
	for _, step := range steps {
		if err := coordinator.Register(step); err != nil {
			return nil, err
		}
	}

	s.wireRecovery()
	return s, nil
}

// wireRecovery feeds terminal task failures into the recovery
// manager. HandleError blocks across its backoff waits, so it runs
// off the bus dispatch goroutine.
func (s *System) wireRecovery() {
	s.bus.RegisterHandler("task_failed", func(ctx context.Context, evt event.Event) error {
		taskID, _ := evt.Data["task_id"].(string)
		kind, _ := evt.Data["kind"].(string)
		msg, _ := evt.Data["error"].(string)
		go s.recovery.HandleError(context.Background(), &errors.ProcessingError{
			Stage:   kind,
			Message: msg,
		}, recovery.ErrorContext{
			Component: evt.Source,
			Operation: kind,
			Timestamp: evt.Timestamp,
			Details:   map[string]any{"task_id": taskID},
			Origin:    taskID,
		})
		return nil
	}, nil)
}

// wireConfigCallbacks hot-applies the system and resources documents
// to the scheduler.
func (s *System) wireConfigCallbacks() {
	s.watcher.RegisterCallback("system", func(configType string, doc config.Document) error {
		s.scheduler.UpdateSettings(sched.Settings{
			MaxConcurrent:      doc.Int("max_concurrent_tasks", 0),
			DefaultMaxAttempts: doc.Int("task_retry_limit", 0),
		})
		return nil
	})
	s.watcher.RegisterCallback("resources", func(configType string, doc config.Document) error {
		settings := sched.Settings{MaxConcurrent: doc.Int("max_concurrent", 0)}
		if raw, ok := doc.Any("tags", nil).(map[string]any); ok {
			tags := config.NewDocument(raw)
			limits := make(map[string]int, len(raw))
			for _, tag := range tags.Keys() {
				if n := tags.Int(tag, 0); n > 0 {
					limits[tag] = n
				}
			}
			settings.TagLimits = limits
		}
		s.scheduler.UpdateSettings(settings)
		return nil
	})
}

// Start brings the system up through the lifecycle coordinator.
func (s *System) Start(ctx context.Context) error {
	return s.coordinator.StartSystem(ctx)
}

// Stop tears the system down in reverse start order.
func (s *System) Stop(ctx context.Context) error {
	return s.coordinator.StopSystem(ctx)
}

// State returns the current lifecycle state.
func (s *System) State() lifecycle.State {
	return s.coordinator.State()
}

// RegisterParticipant installs a participant's message handlers. Each
// handler receives messages of its type addressed to the participant,
// from any source.
func (s *System) RegisterParticipant(id string, handlers map[string]message.Handler) error {
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "participant id must not be empty"}
	}
	for msgType, handler := range handlers {
		s.router.RegisterRoute("*", id, msgType, handler)
	}
	return nil
}

// RegisterTaskHandler installs the executor for a task kind.
func (s *System) RegisterTaskHandler(kind string, handler sched.Handler) {
	s.scheduler.RegisterHandler(kind, handler)
}

// RegisterRecoveryStrategy installs a recovery strategy for an error
// kind.
func (s *System) RegisterRecoveryStrategy(kind string, strategy recovery.Strategy, policy errors.RetryPolicy) {
	s.recovery.RegisterStrategy(kind, strategy, policy)
}

// SubmitTask schedules a task and returns its ID.
func (s *System) SubmitTask(task sched.Task) (string, error) {
	return s.scheduler.Schedule(task)
}

// CancelTask cancels a scheduled or running task.
func (s *System) CancelTask(id string) error {
	return s.scheduler.Cancel(id)
}

// TaskStatus returns the status of a known task.
func (s *System) TaskStatus(id string) (sched.Status, error) {
	return s.scheduler.Status(id)
}

// TaskResult returns the result of a completed task.
func (s *System) TaskResult(id string) (any, error) {
	return s.scheduler.Result(id)
}

// SendMessage enqueues a message for routed delivery.
func (s *System) SendMessage(ctx context.Context, msg message.Message) error {
	return s.router.Publish(ctx, msg)
}

// SubscribeMessages delivers every message of msgType to handler
// regardless of addressing.
func (s *System) SubscribeMessages(msgType string, handler message.Handler) {
	s.router.Subscribe(msgType, handler)
}

// Emit broadcasts an event on the bus.
func (s *System) Emit(evt event.Event) {
	s.bus.Emit(evt)
}

// OnEvent registers an event handler with an optional filter.
func (s *System) OnEvent(eventType string, handler event.Handler, filter event.Filter) {
	s.bus.RegisterHandler(eventType, handler, filter)
}

// WaitForEvent blocks until an event of eventType arrives or the
// timeout elapses.
func (s *System) WaitForEvent(ctx context.Context, eventType string, timeout time.Duration) (event.Event, error) {
	return s.bus.WaitFor(ctx, eventType, timeout)
}

// RecentEvents returns the newest limit events from the history.
func (s *System) RecentEvents(limit int) []event.Event {
	return s.bus.Recent(limit)
}

// ActiveErrors returns the errors awaiting recovery or resolution.
func (s *System) ActiveErrors() []recovery.Record {
	return s.recovery.ActiveErrors()
}

// ErrorHistory returns up to limit concluded recovery outcomes.
func (s *System) ErrorHistory(limit int) []recovery.Record {
	return s.recovery.History(limit)
}

// ComponentStatus returns per-component started flags in start order.
func (s *System) ComponentStatus() []lifecycle.ComponentStatus {
	return s.coordinator.Statuses()
}

// ConfigSnapshot returns the active document for a config type. The
// system has no active documents when no ConfigDir was configured.
func (s *System) ConfigSnapshot(configType string) (config.Document, error) {
	if s.watcher == nil {
		return config.Document{}, fmt.Errorf("no config directory configured")
	}
	doc, ok := s.watcher.Snapshot(configType)
	if !ok {
		return config.Document{}, &errors.NotFoundError{Kind: "config", ID: configType}
	}
	return doc, nil
}

// RegisterConfigCallback subscribes to validated updates of one config
// type.
func (s *System) RegisterConfigCallback(configType string, cb config.Callback) error {
	if s.watcher == nil {
		return fmt.Errorf("no config directory configured")
	}
	return s.watcher.RegisterCallback(configType, cb)
}

// AddStartupHook runs fn after a successful startup sequence.
func (s *System) AddStartupHook(fn lifecycle.Hook) {
	s.coordinator.AddStartupHook(fn)
}

// AddShutdownHook runs fn after the shutdown sequence.
func (s *System) AddShutdownHook(fn lifecycle.Hook) {
	s.coordinator.AddShutdownHook(fn)
}
