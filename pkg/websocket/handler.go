package websocket

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/YuarenArt/signalhub/internal/logging"
)

const (
	DefaultSendBuffer = 256

	MaxUserIDLength = 128
)

type Handler struct {
	Hub        *Hub
	Router     *Router
	Upgrader   websocket.Upgrader
	Pool       *TaskPool
	Logger     logging.Logger
	SendBuffer int
}

func NewHandler(hub *Hub, router *Router, pool *TaskPool, logger logging.Logger) *Handler {
	return &Handler{
		Hub:    hub,
		Router: router,
		Pool:   pool,
		Logger: logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		SendBuffer: DefaultSendBuffer,
	}
}

// validateUserID validates an identity announced in the upgrade request
func validateUserID(userID string) error {
	if len(userID) > MaxUserIDLength {
		return &ValidationError{Field: "userId", Message: "userId is too long"}
	}
	if strings.IndexFunc(userID, unicode.IsControl) >= 0 {
		return &ValidationError{Field: "userId", Message: "userId contains invalid characters"}
	}
	return nil
}

// HandleWebSocket godoc
// @Summary Open a realtime connection
// @Description Upgrades to a WebSocket. Every frame is {"type": "...", "data": {...}}. Optionally announce the user right away.
// @Tags websocket
// @Param userId query string false "User identity to register as online for this connection"
// @Success 101 {string} string "Switching Protocols (WebSocket upgraded)"
// @Failure 400 {object} ErrorResponse "Validation error"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /ws [get]
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if err := validateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.Logger.Warn(c.Request.Context(), "WebSocket upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(uuid.NewString(), conn, h.Hub, h.Router, h.Logger, h.SendBuffer)
	if !h.Hub.Register(client) {
		conn.Close()
		return
	}

	ctx := logging.WithConnectionID(c.Request.Context(), client.ID)
	h.Logger.Debug(ctx, "WebSocket connected", "client_ip", c.ClientIP())

	if err := h.Pool.Submit(client.Write); err != nil {
		h.Logger.Error(ctx, "Write task rejected", "error", err.Error())
		h.Hub.Unregister(client)
		conn.Close()
		return
	}

	// Register presence before the read pump can see the connection's first frame.
	h.Router.Connected(ctx, client.ID, userID)

	if err := h.Pool.Submit(client.Read); err != nil {
		h.Logger.Error(ctx, "Read task rejected", "error", err.Error())
		h.Hub.Unregister(client)
		conn.Close()
		h.Router.Disconnected(ctx, client.ID)
	}
}
