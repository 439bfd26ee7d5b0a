package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YuarenArt/signalhub/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	MaxMessageSize = 1 * 1024 * 1024 // 1MB
)

type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	hub    *Hub
	router *Router
	logger logging.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, router *Router, logger logging.Logger, buffer int) *Client {
	return &Client{
		ID:     id,
		Conn:   conn,
		Send:   make(chan []byte, buffer),
		hub:    hub,
		router: router,
		logger: logger,
	}
}

// Read reads events from the WebSocket connection and dispatches them in
// arrival order. It returns when the connection fails or is closed, after
// unregistering the client and running disconnect handlers.
func (c *Client) Read() {
	ctx := logging.WithConnectionID(context.Background(), c.ID)
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
		c.router.Disconnected(ctx, c.ID)
	}()

	c.Conn.SetReadLimit(MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.router.Heartbeat(ctx, c.ID)
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn(ctx, "WebSocket read failed", "error", err.Error())
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := DecodeEvent(frame)
		if err != nil {
			c.logger.Warn(ctx, "Dropping undecodable frame", "error", err.Error(), "size", len(frame))
			c.reply(ctx, MustEvent(EventError, ErrorPayload{Error: err.Error()}))
			continue
		}

		c.hub.metrics.MessageReceived(ev.Type)
		c.router.Dispatch(ctx, c.ID, ev)
	}
}

// Write writes queued frames to the WebSocket connection and keeps it alive with pings.
func (c *Client) Write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the underlying connection; the read pump then cleans up.
func (c *Client) Close() {
	c.Conn.Close()
}

func (c *Client) reply(ctx context.Context, ev Event) {
	if err := c.hub.EmitTo(ctx, c.ID, ev); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		c.logger.Debug(ctx, "Reply not queued", "event", ev.Type, "error", err.Error())
	}
}

func (c *Client) trySend(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.Send)
		c.mu.Unlock()
	})
}
