package websocket

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/YuarenArt/signalhub/internal/logging"
)

// HandlerFunc processes one decoded event sent by connID.
type HandlerFunc func(ctx context.Context, connID string, ev Event)

// LifecycleFunc is notified about a connection as a whole.
type LifecycleFunc func(ctx context.Context, connID string)

// ConnectFunc is called after a connection is accepted. userID is the identity
// announced in the upgrade request, or empty.
type ConnectFunc func(ctx context.Context, connID, userID string)

// Router routes events by type
type Router struct {
	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	onConnect    ConnectFunc
	onActivity   LifecycleFunc
	onDisconnect LifecycleFunc
	unknown      HandlerFunc
	logger       logging.Logger
}

func NewRouter(logger logging.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register new handler for event type
func (r *Router) Register(eventType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = fn
}

// OnConnect is called once per accepted connection.
func (r *Router) OnConnect(fn ConnectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = fn
}

// OnActivity is called for every inbound event and heartbeat.
func (r *Router) OnActivity(fn LifecycleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onActivity = fn
}

// OnDisconnect is called once after a connection closes.
func (r *Router) OnDisconnect(fn LifecycleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// OnUnknown handles events with no registered handler.
func (r *Router) OnUnknown(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown = fn
}

// Dispatch runs the handler for ev. A panicking handler is logged and
// swallowed so the connection keeps reading.
func (r *Router) Dispatch(ctx context.Context, connID string, ev Event) {
	r.mu.RLock()
	fn, ok := r.handlers[ev.Type]
	if !ok {
		fn = r.unknown
	}
	activity := r.onActivity
	r.mu.RUnlock()

	r.safely(ctx, ev.Type, func() {
		if activity != nil {
			activity(ctx, connID)
		}
		if fn == nil {
			r.logger.Debug(ctx, "No handler for event", "event", ev.Type)
			return
		}
		fn(ctx, connID, ev)
	})
}

// Heartbeat reports transport-level liveness of connID.
func (r *Router) Heartbeat(ctx context.Context, connID string) {
	r.mu.RLock()
	activity := r.onActivity
	r.mu.RUnlock()

	if activity != nil {
		r.safely(ctx, "heartbeat", func() { activity(ctx, connID) })
	}
}

// Connected reports a newly accepted connection.
func (r *Router) Connected(ctx context.Context, connID, userID string) {
	r.mu.RLock()
	fn := r.onConnect
	r.mu.RUnlock()

	if fn != nil {
		r.safely(ctx, "connect", func() { fn(ctx, connID, userID) })
	}
}

// Disconnected reports that connID is gone.
func (r *Router) Disconnected(ctx context.Context, connID string) {
	r.mu.RLock()
	fn := r.onDisconnect
	r.mu.RUnlock()

	if fn != nil {
		r.safely(ctx, "disconnect", func() { fn(ctx, connID) })
	}
}

func (r *Router) safely(ctx context.Context, eventType string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "Event handler panicked",
				"event", eventType,
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
