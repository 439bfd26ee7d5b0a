package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrConnectionClosed   = errors.New("connection closed")
)

// MetricsNotifier receives transport counters. Any method may be a no-op.
type MetricsNotifier interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(eventType string)
	MessageSent(eventType string)
	DroppedMessage(connID string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()      {}
func (noopMetrics) ConnectionClosed()      {}
func (noopMetrics) MessageReceived(string) {}
func (noopMetrics) MessageSent(string)     {}
func (noopMetrics) DroppedMessage(string)  {}

// Observer is told when a connection joins or leaves the hub.
type Observer interface {
	Attached(connID string)
	Detached(connID string)
}

// Hub holds the connections served by this process, keyed by connection id.
type Hub struct {
	clients   sync.Map // clients map[string]*Client
	count     atomic.Int64
	metrics   MetricsNotifier
	observers []Observer
}

func NewHub(metrics MetricsNotifier) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Hub{metrics: metrics}
}

// Observe adds o to the observers. It must be called before the hub serves connections.
func (h *Hub) Observe(o Observer) {
	h.observers = append(h.observers, o)
}

// Register adds c. It reports false if a client with the same id exists.
func (h *Hub) Register(c *Client) bool {
	if _, loaded := h.clients.LoadOrStore(c.ID, c); loaded {
		return false
	}
	h.count.Add(1)
	h.metrics.ConnectionOpened()
	for _, o := range h.observers {
		o.Attached(c.ID)
	}
	return true
}

// Unregister removes c and closes its send channel. It reports whether c was registered.
func (h *Hub) Unregister(c *Client) bool {
	if !h.clients.CompareAndDelete(c.ID, c) {
		return false
	}
	h.count.Add(-1)
	h.metrics.ConnectionClosed()
	c.closeSend()
	for _, o := range h.observers {
		o.Detached(c.ID)
	}
	return true
}

func (h *Hub) GetClient(connID string) (*Client, bool) {
	v, ok := h.clients.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// GetClientCount returns the number of connections on this process
func (h *Hub) GetClientCount() int {
	return int(h.count.Load())
}

// EmitTo queues ev for the connection connID.
func (h *Hub) EmitTo(_ context.Context, connID string, ev Event) error {
	if _, ok := h.GetClient(connID); !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return h.EmitRaw(connID, ev.Type, msg)
}

// Broadcast queues ev for every connection except exceptConnID.
func (h *Hub) Broadcast(_ context.Context, exceptConnID string, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	h.BroadcastRaw(exceptConnID, ev.Type, msg)
	return nil
}

// EmitRaw queues an already encoded event frame for connID.
func (h *Hub) EmitRaw(connID, eventType string, msg []byte) error {
	c, ok := h.GetClient(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return h.deliver(c, eventType, msg)
}

// BroadcastRaw queues an already encoded frame for every connection except exceptConnID.
func (h *Hub) BroadcastRaw(exceptConnID, eventType string, msg []byte) {
	h.clients.Range(func(key, value any) bool {
		if key.(string) != exceptConnID {
			_ = h.deliver(value.(*Client), eventType, msg)
		}
		return true
	})
}

func (h *Hub) deliver(c *Client, eventType string, msg []byte) error {
	if err := c.trySend(msg); err != nil {
		if errors.Is(err, ErrSendBufferFull) {
			h.metrics.DroppedMessage(c.ID)
		}
		return err
	}
	h.metrics.MessageSent(eventType)
	return nil
}

// CloseAll closes every connection. Their read pumps then unregister them.
func (h *Hub) CloseAll() {
	h.clients.Range(func(_, value any) bool {
		value.(*Client).Close()
		return true
	})
}
