// Package cluster relays events between signalhub instances over NATS so a
// presence entry may point at a connection served by another process.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

const defaultRequestTimeout = 2 * time.Second

const (
	ackOK       = "ok"
	ackNotFound = "not_found"
	ackClosed   = "closed"
	ackFull     = "full"
	ackError    = "error"
)

// envelope is the wire format of relayed events. Frame is the encoded event
// exactly as it goes out on the socket.
type envelope struct {
	Origin string          `json:"origin"`
	Except string          `json:"except,omitempty"`
	Type   string          `json:"type"`
	Frame  json.RawMessage `json:"frame"`
}

type ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Bridge delivers to local connections through the hub and to remote ones
// through per-connection NATS subjects. Each instance subscribes one subject
// per connection it serves, so a request without responders means the
// connection is gone everywhere.
type Bridge struct {
	nc             *nats.Conn
	hub            *websocket.Hub
	logger         logging.Logger
	instanceID     string
	prefix         string
	requestTimeout time.Duration

	subs     sync.Map // connID -> *nats.Subscription
	fanout   *nats.Subscription
	closeMux sync.Mutex
	closed   bool
}

func NewBridge(nc *nats.Conn, hub *websocket.Hub, logger logging.Logger, prefix string) *Bridge {
	prefix = strings.ToLower(strings.Trim(prefix, "."))
	if prefix == "" {
		prefix = "signalhub"
	}
	return &Bridge{
		nc:             nc,
		hub:            hub,
		logger:         logger,
		instanceID:     uuid.NewString(),
		prefix:         prefix,
		requestTimeout: defaultRequestTimeout,
	}
}

// Start subscribes to cluster broadcasts and starts following the hub.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.broadcastSubject(), b.handleBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.broadcastSubject(), err)
	}
	b.fanout = sub
	b.hub.Observe(b)
	return b.nc.Flush()
}

func (b *Bridge) InstanceID() string {
	return b.instanceID
}

func (b *Bridge) connSubject(connID string) string {
	return b.prefix + ".conn." + connID
}

func (b *Bridge) broadcastSubject() string {
	return b.prefix + ".broadcast"
}

// Attached subscribes the direct subject of a connection served here.
func (b *Bridge) Attached(connID string) {
	b.closeMux.Lock()
	defer b.closeMux.Unlock()
	if b.closed {
		return
	}

	sub, err := b.nc.Subscribe(b.connSubject(connID), b.handleDirect)
	if err != nil {
		b.logger.Error(context.Background(), "Failed to subscribe connection subject",
			"connection", connID, "error", err.Error())
		return
	}
	b.subs.Store(connID, sub)
}

func (b *Bridge) Detached(connID string) {
	if v, ok := b.subs.LoadAndDelete(connID); ok {
		if err := v.(*nats.Subscription).Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn(context.Background(), "Failed to unsubscribe connection subject",
				"connection", connID, "error", err.Error())
		}
	}
}

// EmitTo delivers ev to connID wherever it is served.
func (b *Bridge) EmitTo(ctx context.Context, connID string, ev websocket.Event) error {
	if _, ok := b.hub.GetClient(connID); ok {
		return b.hub.EmitTo(ctx, connID, ev)
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	data, err := json.Marshal(envelope{Origin: b.instanceID, Type: ev.Type, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}

	msg, err := b.nc.RequestWithContext(ctx, b.connSubject(connID), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %s", websocket.ErrConnectionNotFound, connID)
		}
		return fmt.Errorf("relay to %s: %w", connID, err)
	}

	var a ack
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	return ackToError(a, connID)
}

// Broadcast delivers ev to every connection in the cluster except exceptConnID.
func (b *Bridge) Broadcast(ctx context.Context, exceptConnID string, ev websocket.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	b.hub.BroadcastRaw(exceptConnID, ev.Type, frame)

	data, err := json.Marshal(envelope{Origin: b.instanceID, Except: exceptConnID, Type: ev.Type, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.nc.Publish(b.broadcastSubject(), data)
}

func (b *Bridge) handleDirect(msg *nats.Msg) {
	connID := strings.TrimPrefix(msg.Subject, b.prefix+".conn.")
	ctx := logging.WithConnectionID(context.Background(), connID)

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn(ctx, "Dropping malformed relay", "error", err.Error())
		b.respond(ctx, msg, ack{Status: ackError, Error: err.Error()})
		return
	}

	err := b.hub.EmitRaw(connID, env.Type, env.Frame)
	switch {
	case err == nil:
		b.respond(ctx, msg, ack{Status: ackOK})
	case errors.Is(err, websocket.ErrConnectionNotFound):
		b.respond(ctx, msg, ack{Status: ackNotFound})
	case errors.Is(err, websocket.ErrConnectionClosed):
		b.respond(ctx, msg, ack{Status: ackClosed})
	case errors.Is(err, websocket.ErrSendBufferFull):
		b.respond(ctx, msg, ack{Status: ackFull})
	default:
		b.respond(ctx, msg, ack{Status: ackError, Error: err.Error()})
	}
}

func (b *Bridge) handleBroadcast(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn(context.Background(), "Dropping malformed broadcast", "error", err.Error())
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	b.hub.BroadcastRaw(env.Except, env.Type, env.Frame)
}

func (b *Bridge) respond(ctx context.Context, msg *nats.Msg, a ack) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(a)
	if err := msg.Respond(data); err != nil {
		b.logger.Debug(ctx, "Failed to acknowledge relay", "error", err.Error())
	}
}

func ackToError(a ack, connID string) error {
	switch a.Status {
	case ackOK:
		return nil
	case ackNotFound:
		return fmt.Errorf("%w: %s", websocket.ErrConnectionNotFound, connID)
	case ackClosed:
		return fmt.Errorf("%w: %s", websocket.ErrConnectionClosed, connID)
	case ackFull:
		return fmt.Errorf("%w: %s", websocket.ErrSendBufferFull, connID)
	default:
		return fmt.Errorf("relay to %s: %s", connID, a.Error)
	}
}

// Close drops every subscription held by the bridge.
func (b *Bridge) Close() {
	b.closeMux.Lock()
	b.closed = true
	b.closeMux.Unlock()

	if b.fanout != nil {
		_ = b.fanout.Unsubscribe()
	}
	b.subs.Range(func(key, value any) bool {
		_ = value.(*nats.Subscription).Unsubscribe()
		b.subs.Delete(key)
		return true
	})
}
