package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/narrativewave/agentkernel/pkg/kernel/event"
)

func startBus(t *testing.T) *event.Bus {
	t.Helper()
	bus := event.NewBus(event.BusConfig{HistorySize: 100})
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Stop(ctx)
	})
	return bus
}

func TestBusDelivery(t *testing.T) {
	bus := startBus(t)

	var received atomic.Int32

	bus.RegisterHandler("test.event", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, nil)

	bus.Emit(event.New("test.event", "test", nil, event.PriorityNormal))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected 1 received event, got %d", received.Load())
	}

	// Non-matching type is not delivered.
	bus.Emit(event.New("other.event", "test", nil, event.PriorityNormal))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected still 1 received event, got %d", received.Load())
	}
}

func TestBusWildcardHandler(t *testing.T) {
	bus := startBus(t)

	var received atomic.Int32

	bus.RegisterHandler("*", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, nil)

	bus.Emit(event.New("a", "test", nil, event.PriorityNormal))
	bus.Emit(event.New("b", "test", nil, event.PriorityNormal))
	bus.Emit(event.New("c", "test", nil, event.PriorityNormal))

	time.Sleep(50 * time.Millisecond)

	if received.Load() != 3 {
		t.Errorf("expected 3 received events, got %d", received.Load())
	}
}

func TestBusPriorityOrdering(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var mu sync.Mutex
	var order []string

	bus.RegisterHandler("*", func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		order = append(order, evt.Type)
		mu.Unlock()
		return nil
	}, nil)

	// Queue before starting so all four land in the same dispatch tick.
	bus.Emit(event.New("low", "test", nil, event.PriorityLow))
	bus.Emit(event.New("normal", "test", nil, event.PriorityNormal))
	bus.Emit(event.New("critical", "test", nil, event.PriorityCritical))
	bus.Emit(event.New("high", "test", nil, event.PriorityHigh))

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer bus.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBusFIFOWithinLane(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var mu sync.Mutex
	var order []string

	bus.RegisterHandler("seq", func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		order = append(order, evt.Source)
		mu.Unlock()
		return nil
	}, nil)

	for _, src := range []string{"first", "second", "third"} {
		bus.Emit(event.New("seq", src, nil, event.PriorityNormal))
	}

	bus.Start(context.Background())
	defer bus.Stop(context.Background())
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestBusFilter(t *testing.T) {
	bus := startBus(t)

	var received atomic.Int32

	bus.RegisterHandler("filtered", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, func(evt event.Event) bool {
		return evt.Priority >= event.PriorityHigh
	})

	bus.Emit(event.New("filtered", "test", nil, event.PriorityNormal))
	bus.Emit(event.New("filtered", "test", nil, event.PriorityHigh))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected 1 event past the filter, got %d", received.Load())
	}
}

func TestBusHandlerFailureIsolation(t *testing.T) {
	bus := startBus(t)

	var received atomic.Int32

	bus.RegisterHandler("evt", func(ctx context.Context, evt event.Event) error {
		return errors.New("handler failure")
	}, nil)
	bus.RegisterHandler("evt", func(ctx context.Context, evt event.Event) error {
		panic("handler panic")
	}, nil)
	bus.RegisterHandler("evt", func(ctx context.Context, evt event.Event) error {
		received.Add(1)
		return nil
	}, nil)

	bus.Emit(event.New("evt", "test", nil, event.PriorityNormal))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("failing handlers must not block others: got %d", received.Load())
	}

	// The loop survives and keeps delivering.
	bus.Emit(event.New("evt", "test", nil, event.PriorityNormal))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 2 {
		t.Errorf("expected dispatch loop to survive, got %d", received.Load())
	}
}

func TestBusHistory(t *testing.T) {
	bus := startBus(t)

	for i := 0; i < 5; i++ {
		bus.Emit(event.New("h", "test", map[string]any{"i": i}, event.PriorityNormal))
	}
	bus.Emit(event.New("other", "test", nil, event.PriorityLow))
	time.Sleep(50 * time.Millisecond)

	if got := len(bus.Recent(0)); got != 6 {
		t.Errorf("expected 6 events in history, got %d", got)
	}
	if got := len(bus.Recent(2)); got != 2 {
		t.Errorf("expected limit of 2, got %d", got)
	}
	if got := len(bus.ByType("h")); got != 5 {
		t.Errorf("expected 5 events of type h, got %d", got)
	}

	bus.ClearHistory()
	if got := len(bus.Recent(0)); got != 0 {
		t.Errorf("expected cleared history, got %d", got)
	}
}

func TestBusHistoryBounded(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HistorySize: 10})
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	for i := 0; i < 25; i++ {
		bus.Emit(event.New("h", "test", map[string]any{"i": i}, event.PriorityNormal))
	}
	time.Sleep(50 * time.Millisecond)

	recent := bus.Recent(0)
	if len(recent) != 10 {
		t.Fatalf("expected history bounded to 10, got %d", len(recent))
	}
	// Oldest retained entry is number 15.
	if recent[0].Data["i"] != 15 {
		t.Errorf("expected oldest retained i=15, got %v", recent[0].Data["i"])
	}
}

func TestWaitFor(t *testing.T) {
	bus := startBus(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Emit(event.New("awaited", "test", map[string]any{"ok": true}, event.PriorityNormal))
	}()

	evt, err := bus.WaitFor(context.Background(), "awaited", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Data["ok"] != true {
		t.Errorf("unexpected event data: %v", evt.Data)
	}
}

func TestWaitForTimeout(t *testing.T) {
	bus := startBus(t)

	_, err := bus.WaitFor(context.Background(), "never", 30*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The timed-out registration must not linger: an event emitted later
	// is delivered to nobody and a fresh waiter still works.
	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Emit(event.New("never", "test", nil, event.PriorityNormal))
	}()
	if _, err := bus.WaitFor(context.Background(), "never", time.Second); err != nil {
		t.Fatalf("fresh waiter failed: %v", err)
	}
}

func TestWaitForContextCancel(t *testing.T) {
	bus := startBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := bus.WaitFor(ctx, "never", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
