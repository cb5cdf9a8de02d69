package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativewave/agentkernel/pkg/kernel/config"
	kerrors "github.com/narrativewave/agentkernel/pkg/kernel/errors"
	"github.com/narrativewave/agentkernel/pkg/kernel/event"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func startWatcher(t *testing.T, cfg config.WatcherConfig) *config.Watcher {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 30 * time.Millisecond
	}
	w := config.NewWatcher(cfg)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Stop(ctx)
	})
	return w
}

func TestInitialLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: debug\nmax_concurrent_tasks: 4\n")

	w := startWatcher(t, config.WatcherConfig{Dir: dir})

	doc, ok := w.Snapshot("system")
	require.True(t, ok)
	assert.Equal(t, "debug", doc.String("log_level", ""))
	assert.NotEmpty(t, w.Version("system"))
}

func TestDefaultSystemWithoutFile(t *testing.T) {
	w := startWatcher(t, config.WatcherConfig{Dir: t.TempDir()})

	doc, ok := w.Snapshot("system")
	require.True(t, ok)
	assert.Equal(t, 10, doc.Int("max_concurrent_tasks", 0))
	assert.Empty(t, w.Version("system"))
}

func TestChangeTriggersCallback(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	var calls atomic.Int32
	var lastLevel atomic.Value
	w := startWatcher(t, config.WatcherConfig{Dir: dir})
	require.NoError(t, w.RegisterCallback("system", func(configType string, doc config.Document) error {
		calls.Add(1)
		lastLevel.Store(doc.String("log_level", ""))
		return nil
	}))

	writeConfig(t, dir, "system.yaml", "log_level: debug\n")

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "debug", lastLevel.Load())
}

func TestDebounceCoalesces(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	var calls atomic.Int32
	w := startWatcher(t, config.WatcherConfig{Dir: dir, Debounce: 100 * time.Millisecond})
	require.NoError(t, w.RegisterCallback("system", func(configType string, doc config.Document) error {
		calls.Add(1)
		return nil
	}))

	// Burst of writes inside the debounce window.
	writeConfig(t, dir, "system.yaml", "log_level: debug\n")
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, dir, "system.yaml", "log_level: warning\n")
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, dir, "system.yaml", "log_level: error\n")

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnchangedReloadIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	var calls atomic.Int32
	w := startWatcher(t, config.WatcherConfig{Dir: dir})
	require.NoError(t, w.RegisterCallback("system", func(configType string, doc config.Document) error {
		calls.Add(1)
		return nil
	}))

	version := w.Version("system")
	require.NoError(t, w.Reload("system"))
	assert.Equal(t, version, w.Version("system"))
	assert.Equal(t, int32(0), calls.Load())
}

func TestConcurrentReloadsApplyOnce(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	var calls atomic.Int32
	w := startWatcher(t, config.WatcherConfig{Dir: dir, Debounce: time.Minute})
	require.NoError(t, w.RegisterCallback("system", func(configType string, doc config.Document) error {
		calls.Add(1)
		return nil
	}))

	writeConfig(t, dir, "system.yaml", "log_level: debug\n")

	// Racing reloads of the same on-disk change must collapse into a
	// single apply-and-notify cycle.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			w.Reload("system")
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	doc, _ := w.Snapshot("system")
	assert.Equal(t, "debug", doc.String("log_level", ""))
}

func TestInvalidDocumentNotApplied(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	var escalated atomic.Int32
	// Long debounce keeps the fs watcher from reloading on its own
	// while the test drives Reload directly.
	w := startWatcher(t, config.WatcherConfig{
		Dir:      dir,
		Debounce: time.Minute,
		Escalate: func(configType string, problems []string) {
			escalated.Add(1)
		},
	})
	version := w.Version("system")

	writeConfig(t, dir, "system.yaml", "log_level: loud\n")
	err := w.Reload("system")
	var valErr *kerrors.ValidationError
	require.ErrorAs(t, err, &valErr)

	assert.Equal(t, int32(1), escalated.Load())
	assert.Equal(t, version, w.Version("system"))
	doc, _ := w.Snapshot("system")
	assert.Equal(t, "info", doc.String("log_level", ""))
}

func TestRaisingCallbackDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "agents.yaml", "agents:\n  writer:\n    kind: script\n")

	var second atomic.Int32
	w := startWatcher(t, config.WatcherConfig{Dir: dir, Debounce: time.Minute})
	require.NoError(t, w.RegisterCallback("agents", func(configType string, doc config.Document) error {
		panic("bad callback")
	}))
	require.NoError(t, w.RegisterCallback("agents", func(configType string, doc config.Document) error {
		second.Add(1)
		return nil
	}))

	writeConfig(t, dir, "agents.yaml", "agents:\n  writer:\n    kind: script\n  editor:\n    kind: review\n")
	require.NoError(t, w.Reload("agents"))
	assert.Equal(t, int32(1), second.Load())
}

func TestCheckForUpdates(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")
	writeConfig(t, dir, "resources.yaml", "max_concurrent: 8\n")

	w := startWatcher(t, config.WatcherConfig{Dir: dir, Debounce: time.Minute})
	assert.Empty(t, w.CheckForUpdates())

	writeConfig(t, dir, "resources.yaml", "max_concurrent: 4\n")
	assert.Equal(t, []string{"resources"}, w.CheckForUpdates())
}

func TestReloadEmitsEvent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "system.yaml", "log_level: info\n")

	bus := event.NewBus(event.BusConfig{})
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop(context.Background())

	w := startWatcher(t, config.WatcherConfig{Dir: dir, Bus: bus, Debounce: time.Minute})

	writeConfig(t, dir, "system.yaml", "log_level: warning\n")
	go w.Reload("system")

	evt, err := bus.WaitFor(context.Background(), "config_reloaded", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "system", evt.Data["config_type"])
	assert.NotEmpty(t, evt.Data["version"])
}

func TestRegisterCallbackUnknownType(t *testing.T) {
	w := config.NewWatcher(config.WatcherConfig{Dir: t.TempDir()})
	err := w.RegisterCallback("payroll", func(string, config.Document) error { return nil })
	var valErr *kerrors.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestReloadUnknownTypeRejected(t *testing.T) {
	w := config.NewWatcher(config.WatcherConfig{Dir: t.TempDir()})
	var valErr *kerrors.ValidationError
	require.ErrorAs(t, w.Reload("payroll"), &valErr)
}
