package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/YuarenArt/signalhub/internal/auth"
	"github.com/YuarenArt/signalhub/internal/config"
	"github.com/YuarenArt/signalhub/internal/events"
	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/internal/presence"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

const maxRequestSize = 1 * 1024 * 1024

type StatusResponse struct {
	UserID string          `json:"userId" example:"64f1c2a9e4b0a1b2c3d4e5f6"`
	Status presence.Status `json:"status" example:"online"`
}

type NotifyRequest struct {
	Notification json.RawMessage `json:"notification" swaggertype:"object"`
}

type NotifyResponse struct {
	Delivered bool `json:"delivered" example:"true"`
}

type PresenceResponse struct {
	Online      int `json:"online" example:"42"`
	Connections int `json:"connections" example:"17"`
}

type ErrorResponse = websocket.ErrorResponse

type Server struct {
	Handler  *websocket.Handler
	Events   *events.Service
	Registry presence.Registry
	Engine   *gin.Engine
	Addr     string
	Logger   logging.Logger
	Metrics  *Metrics
	Config   *config.Config
	verifier *auth.Verifier
}

func NewServer(addr string, handler *websocket.Handler, service *events.Service, registry presence.Registry,
	metrics *Metrics, serverLogger logging.Logger, cfg *config.Config) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.PrometheusMiddleware())

	// Add CORS middleware
	engine.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Length, Content-Type, Authorization")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Header("Access-Control-Max-Age", "43200") // 12 hours

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// Add request size limit middleware
	engine.Use(func(c *gin.Context) {
		if c.Request.ContentLength > maxRequestSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:    http.StatusRequestEntityTooLarge,
				Message: "request too large",
			})
			return
		}
		c.Next()
	})

	apiLogger, err := logging.NewFileLogger(filepath.Join(filepath.Dir(cfg.LogFile), "api.log"), false, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		serverLogger.Warn(context.Background(), "API log file unavailable, using server log", "error", err.Error())
		apiLogger = serverLogger
	}
	engine.Use(APILoggerMiddleware(apiLogger))
	engine.GET("/metrics", metrics.MetricsHandler())

	s := &Server{
		Handler:  handler,
		Events:   service,
		Registry: registry,
		Engine:   engine,
		Addr:     addr,
		Logger:   serverLogger,
		Metrics:  metrics,
		Config:   cfg,
		verifier: auth.NewVerifier(cfg.JWTSecret),
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/ws", s.Handler.HandleWebSocket)

	api := s.Engine.Group("/api")
	api.GET("/health", s.Health)
	api.GET("/presence", s.Presence)

	users := api.Group("/users", auth.Middleware(s.verifier))
	users.GET("/:user_id/status", s.UserStatus)
	users.POST("/:user_id/notify", s.NotifyUser)

	s.Engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if s.Config.IsProfilingEnabled() {
		s.Engine.GET("/debug/pprof/*any", gin.WrapH(http.DefaultServeMux))
		s.Logger.Log(context.Background(), logging.Info, "Profiling endpoints enabled")
	}

	s.Logger.Log(context.Background(), logging.Debug, "Routes registered")
}

// Health godoc
// @Summary Health check
// @Description Returns server status
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/health [get]
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
	s.Logger.Log(c.Request.Context(), logging.Debug, "Health check", "status", "ok")
}

// Presence godoc
// @Summary Presence counters
// @Description Number of users registered as online and connections served by this instance
// @Tags presence
// @Produce json
// @Success 200 {object} PresenceResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/presence [get]
func (s *Server) Presence(c *gin.Context) {
	ctx := c.Request.Context()

	online, err := s.Registry.Count(ctx)
	if err != nil {
		s.Logger.Log(ctx, logging.Error, "Presence count failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    http.StatusInternalServerError,
			Message: "presence unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, PresenceResponse{
		Online:      online,
		Connections: s.Handler.Hub.GetClientCount(),
	})
}

// UserStatus godoc
// @Summary Get user status
// @Description Reports whether a user currently holds a realtime connection
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "User ID"
// @Success 200 {object} StatusResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/users/{user_id}/status [get]
func (s *Server) UserStatus(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	status, err := s.Events.Status(ctx, userID)
	if err != nil {
		s.Logger.Log(ctx, logging.Error, "Status lookup failed", "user_id", userID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    http.StatusInternalServerError,
			Message: "status unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{UserID: userID, Status: status})
}

// NotifyUser godoc
// @Summary Notify a user
// @Description Relays a notification event to the user if they are online. Nothing is queued for offline users.
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param user_id path string true "User ID"
// @Param request body NotifyRequest true "Notification to relay"
// @Success 200 {object} NotifyResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/users/{user_id}/notify [post]
func (s *Server) NotifyUser(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: "invalid request body",
		})
		return
	}

	delivered, err := s.Events.Notify(ctx, userID, req.Notification)
	if err != nil {
		var verr *websocket.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    http.StatusBadRequest,
				Message: verr.Message,
			})
			return
		}
		s.Logger.Log(ctx, logging.Error, "Notify failed", "user_id", userID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    http.StatusInternalServerError,
			Message: "notify failed",
		})
		return
	}

	s.Logger.Log(ctx, logging.Info, "Notification relayed",
		"user_id", userID, "delivered", delivered, "sender", auth.UserID(c))
	c.JSON(http.StatusOK, NotifyResponse{Delivered: delivered})
}

// Run starts HTTP server with graceful shutdown support.
func (s *Server) Run(ctx context.Context) error {
	s.Logger.Log(ctx, logging.Info, "Starting server", "addr", s.Addr)

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.Logger.Log(ctx, logging.Info, "Shutting down HTTP server gracefully")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Logger.Log(ctx, logging.Error, "HTTP shutdown error", "error", err)
		return err
	}
	return nil
}

// Shutdown closes every realtime connection, waits for the hub to drain and
// releases the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Log(ctx, logging.Info, "Shutting down server")

	s.Handler.Hub.CloseAll()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.Handler.Hub.GetClientCount() > 0 {
		select {
		case <-ctx.Done():
			s.Logger.Log(ctx, logging.Warn, "Shutdown timeout, some connections may not have closed gracefully",
				"remaining", s.Handler.Hub.GetClientCount())
			s.finish()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.Logger.Log(ctx, logging.Info, "All connections closed")
	s.finish()
	return nil
}

func (s *Server) finish() {
	s.Handler.Pool.Release()
	s.Metrics.Stop()
}

func APILoggerMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		clientIP := c.ClientIP()
		contentLength := c.Request.ContentLength

		c.Next()

		if strings.HasPrefix(path, "/metrics") {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		responseSize := c.Writer.Size()

		logger.Log(ctx, logging.Info, "HTTP request",
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", clientIP,
			"content_length", contentLength,
			"response_size", responseSize,
		)
	}
}
