package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/narrativewave/agentkernel/pkg/kernel/errors"
	"github.com/narrativewave/agentkernel/pkg/kernel/event"
	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
	"github.com/narrativewave/agentkernel/pkg/kernel/registry"
)

// Callback receives a validated document after it was applied.
// Callback failures are logged and never block other callbacks.
type Callback func(configType string, doc Document) error

// EscalateFunc is invoked when a changed document fails validation.
type EscalateFunc func(configType string, problems []string)

const defaultDebounce = time.Second

// WatcherConfig tunes the hot-reload watcher.
type WatcherConfig struct {
	// Dir holds one file per config type, named <type>.yaml, <type>.yml
	// or <type>.json.
	Dir      string
	Debounce time.Duration
	Bus      *event.Bus
	Logger   *slog.Logger
	Metrics  observability.MetricsRecorder
	Escalate EscalateFunc
}

// Watcher observes the config directory and pushes validated document
// updates to registered callbacks. A document is applied only when its
// content hash differs from the active version and it passes
// validation for its type.
type Watcher struct {
	cfg       WatcherConfig
	metrics   observability.MetricsRecorder
	callbacks *registry.ListTable[string, Callback]

	// reloadMu serializes the read, validate, swap, and notify cycle
	// per config type, so concurrent reloads of one type cannot both
	// apply the same on-disk change.
	reloadMu map[string]*sync.Mutex

	mu       sync.Mutex
	active   map[string]Document
	versions map[string]string
	pending  map[string]*time.Timer
	fsw      *fsnotify.Watcher
	running  bool
	done     chan struct{}
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	reloadMu := make(map[string]*sync.Mutex, len(Types))
	for _, configType := range Types {
		reloadMu[configType] = &sync.Mutex{}
	}
	return &Watcher{
		cfg:       cfg,
		metrics:   metrics,
		callbacks: registry.NewList[string, Callback](),
		reloadMu:  reloadMu,
		active:    map[string]Document{"system": DefaultSystem()},
		versions:  make(map[string]string),
		pending:   make(map[string]*time.Timer),
	}
}

// RegisterCallback subscribes a callback to one config type.
func (w *Watcher) RegisterCallback(configType string, cb Callback) error {
	if !KnownType(configType) {
		return &errors.ValidationError{Field: "config_type", Message: "unknown config type " + configType}
	}
	w.callbacks.Append(configType, cb)
	return nil
}

// Snapshot returns the active document for a config type.
func (w *Watcher) Snapshot(configType string) (Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.active[configType]
	return doc, ok
}

// Version returns the content hash of the active document, empty if
// nothing was loaded from disk yet.
func (w *Watcher) Version(configType string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.versions[configType]
}

// Start loads every present document, then begins watching the
// directory. Invalid documents found at startup are escalated but do
// not abort the start.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("config watcher already started")
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	for _, configType := range Types {
		if err := w.Reload(configType); err != nil {
			observability.LogHandlerError(w.cfg.Logger, "config_watcher", configType, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.abortStart()
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		w.abortStart()
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.watchLoop(fsw)
	return nil
}

func (w *Watcher) abortStart() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Stop halts watching and cancels pending debounce timers.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	fsw := w.fsw
	w.fsw = nil
	for configType, timer := range w.pending {
		timer.Stop()
		delete(w.pending, configType)
	}
	done := w.done
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			configType := typeForPath(ev.Name)
			if configType == "" {
				continue
			}
			w.scheduleReload(configType)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			observability.LogHandlerError(w.cfg.Logger, "config_watcher", "fsnotify", err)
		}
	}
}

// scheduleReload coalesces change notifications for one config type
// into a single reload after the debounce window.
func (w *Watcher) scheduleReload(configType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[configType]; ok {
		timer.Reset(w.cfg.Debounce)
		return
	}
	w.pending[configType] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, configType)
		w.mu.Unlock()
		if err := w.Reload(configType); err != nil {
			observability.LogHandlerError(w.cfg.Logger, "config_watcher", configType, err)
		}
	})
}

// CheckForUpdates scans the directory and returns the config types
// whose on-disk content differs from the active version. Nothing is
// applied.
func (w *Watcher) CheckForUpdates() []string {
	var changed []string
	for _, configType := range Types {
		path, ok := w.pathFor(configType)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if hashContent(data) != w.Version(configType) {
			changed = append(changed, configType)
		}
	}
	return changed
}

// ReloadAll reloads every config type with a file on disk.
func (w *Watcher) ReloadAll() error {
	var firstErr error
	for _, configType := range Types {
		if _, ok := w.pathFor(configType); !ok {
			continue
		}
		if err := w.Reload(configType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload reads, validates, and applies one config type. An unchanged
// content hash is a no-op: no callbacks run and the version marker is
// untouched. Validation failures leave the active document in place.
func (w *Watcher) Reload(configType string) error {
	if !KnownType(configType) {
		return &errors.ValidationError{Field: "config_type", Message: "unknown config type " + configType}
	}
	w.reloadMu[configType].Lock()
	defer w.reloadMu[configType].Unlock()

	done := observability.TimedOperation()

	path, ok := w.pathFor(configType)
	if !ok {
		return &errors.NotFoundError{Kind: "config file", ID: configType}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s config: %w", configType, err)
	}

	version := hashContent(data)
	w.mu.Lock()
	unchanged := w.versions[configType] == version
	w.mu.Unlock()
	if unchanged {
		observability.LogReload(w.cfg.Logger, configType, false, done())
		return nil
	}

	doc, err := FromFile(path)
	if err != nil {
		w.metrics.RecordConfigReload(context.Background(), configType, false)
		return err
	}
	if problems := Validate(configType, doc); len(problems) > 0 {
		w.metrics.RecordConfigReload(context.Background(), configType, false)
		w.escalate(configType, problems)
		return &errors.ValidationError{
			Field:   configType,
			Message: strings.Join(problems, "; "),
		}
	}

	w.mu.Lock()
	w.active[configType] = doc
	w.versions[configType] = version
	w.mu.Unlock()

	w.notify(configType, doc)
	w.metrics.RecordConfigReload(context.Background(), configType, true)
	observability.LogReload(w.cfg.Logger, configType, true, done())
	if w.cfg.Bus != nil {
		w.cfg.Bus.Emit(event.New("config_reloaded", "config_watcher", map[string]any{
			"config_type": configType,
			"version":     version,
		}, event.PriorityNormal))
	}
	return nil
}

// notify runs every callback for the type. A raising callback is
// logged and the remaining callbacks still run.
func (w *Watcher) notify(configType string, doc Document) {
	for _, cb := range w.callbacks.Values(configType) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.LogHandlerError(w.cfg.Logger, "config_watcher", configType,
						fmt.Errorf("callback panic: %v", r))
				}
			}()
			if err := cb(configType, doc); err != nil {
				observability.LogHandlerError(w.cfg.Logger, "config_watcher", configType, err)
			}
		}()
	}
}

func (w *Watcher) escalate(configType string, problems []string) {
	if w.cfg.Escalate != nil {
		w.cfg.Escalate(configType, problems)
	}
	if w.cfg.Bus != nil {
		w.cfg.Bus.Emit(event.New("config_invalid", "config_watcher", map[string]any{
			"config_type": configType,
			"problems":    problems,
		}, event.PriorityHigh))
	}
}

// pathFor finds the file backing a config type, trying the supported
// extensions in order.
func (w *Watcher) pathFor(configType string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(w.cfg.Dir, configType+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func typeForPath(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if KnownType(stem) {
		return stem
	}
	return ""
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
