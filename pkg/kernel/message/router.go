package message

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/narrativewave/agentkernel/pkg/kernel/observability"
	"github.com/narrativewave/agentkernel/pkg/kernel/registry"
)

// Handler processes a delivered message. Handler errors are logged per
// handler; one failing handler never blocks delivery to the others.
type Handler func(ctx context.Context, msg Message) error

// Route matches messages by (source, destination, type). The source and
// destination may be "*" to match any participant.
type Route struct {
	Source      string
	Destination string
	Type        string
	Handler     Handler
}

// matches reports whether the route applies to a message.
func (r Route) matches(msg Message) bool {
	if r.Type != msg.Type {
		return false
	}
	if r.Source != "*" && r.Source != msg.Sender {
		return false
	}
	if r.Destination != "*" && r.Destination != msg.Receiver {
		return false
	}
	return true
}

// RouterConfig configures router behavior.
type RouterConfig struct {
	// QueueSize is the publish queue capacity.
	// Default: 256
	QueueSize int

	// Logger receives handler failure logs. Nil disables logging.
	Logger *slog.Logger
}

// DefaultRouterConfig provides reasonable defaults.
var DefaultRouterConfig = RouterConfig{
	QueueSize: 256,
}

// Router delivers messages to matching routes and type subscribers.
// A single dispatch goroutine drains the publish queue.
type Router struct {
	config RouterConfig

	mu     sync.Mutex
	routes map[string][]Route // message type -> routes

	subscribers *registry.ListTable[string, Handler]

	queue   chan Message
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewRouter creates a message router. Start must be called before
// published messages are delivered.
func NewRouter(config RouterConfig) *Router {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRouterConfig.QueueSize
	}
	return &Router{
		config:      config,
		routes:      make(map[string][]Route),
		subscribers: registry.NewList[string, Handler](),
		queue:       make(chan Message, config.QueueSize),
	}
}

// RegisterRoute installs a handler for messages matching the
// (source, destination, type) triplet.
func (r *Router) RegisterRoute(source, destination, msgType string, handler Handler) {
	route := Route{Source: source, Destination: destination, Type: msgType, Handler: handler}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[msgType] = append(r.routes[msgType], route)
}

// Subscribe installs a handler invoked for every message of the given
// type, regardless of route match.
func (r *Router) Subscribe(msgType string, handler Handler) {
	r.subscribers.Append(msgType, handler)
}

// Publish enqueues a message for asynchronous dispatch. It returns an
// error if the router has been stopped or the queue is full.
func (r *Router) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	stopped := r.stop
	running := r.running
	r.mu.Unlock()

	if running {
		select {
		case r.queue <- msg:
			return nil
		case <-stopped:
			return fmt.Errorf("router stopped")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Not yet started: queue without blocking so callers can publish
	// during startup.
	select {
	case r.queue <- msg:
		return nil
	default:
		return fmt.Errorf("router queue full")
	}
}

// Start launches the dispatch loop.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.dispatchLoop()
	return nil
}

// Stop halts the dispatch loop after draining messages already queued.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// dispatchLoop drains the publish queue until Stop. It outlives the
// Start call, so handlers get an independent context.
func (r *Router) dispatchLoop() {
	defer close(r.done)
	ctx := context.Background()
	for {
		select {
		case msg := <-r.queue:
			r.deliver(ctx, msg)
		case <-r.stop:
			// Drain what was published before the stop.
			for {
				select {
				case msg := <-r.queue:
					r.deliver(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes every matching route handler, then every subscriber
// for the message type.
func (r *Router) deliver(ctx context.Context, msg Message) {
	r.mu.Lock()
	routes := make([]Route, 0, len(r.routes[msg.Type]))
	routes = append(routes, r.routes[msg.Type]...)
	r.mu.Unlock()

	for _, route := range routes {
		if !route.matches(msg) {
			continue
		}
		r.invoke(ctx, route.Handler, msg, "route:"+msg.Type)
	}

	for _, handler := range r.subscribers.Values(msg.Type) {
		r.invoke(ctx, handler, msg, "subscriber:"+msg.Type)
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, msg Message, key string) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.LogHandlerError(r.config.Logger, "message_router", key,
				fmt.Errorf("handler panic: %v", rec))
		}
	}()
	if err := h(ctx, msg); err != nil {
		observability.LogHandlerError(r.config.Logger, "message_router", key, err)
	}
}
