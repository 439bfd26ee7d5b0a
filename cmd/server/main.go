package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	_ "github.com/YuarenArt/signalhub/docs"
	"github.com/YuarenArt/signalhub/internal/cluster"
	"github.com/YuarenArt/signalhub/internal/config"
	"github.com/YuarenArt/signalhub/internal/events"
	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/internal/presence"
	"github.com/YuarenArt/signalhub/internal/server"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

// @title           Signalhub API
// @version         1.0.0
// @description     Realtime presence, messaging and call signaling relay over WebSocket
// @BasePath        /
// @host            localhost:8080
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.NewConfig()

	logger, err := logging.NewFileLogger(cfg.LogFile, true, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		logger = logging.NewLogger()
		logger.Warn(ctx, "Log file unavailable, logging to stdout", "file", cfg.LogFile, "error", err.Error())
	}

	taskPool, err := websocket.NewTaskPool(cfg.TaskPoolSize)
	if err != nil {
		logger.Error(ctx, "Failed to initialize task pool", "error", err.Error())
		panic("Failed to initialize task pool: " + err.Error())
	}
	defer taskPool.Release()

	metrics := server.NewMetrics()
	hub := websocket.NewHub(metrics)
	router := websocket.NewRouter(logger)

	var (
		registry presence.Registry
		emitter  events.Emitter = hub
	)
	if cfg.UsesNATS() {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("signalhub"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Error(ctx, "Failed to connect to NATS", "url", cfg.NATSURL, "error", err.Error())
			os.Exit(1)
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Error(ctx, "Failed to open JetStream", "error", err.Error())
			os.Exit(1)
		}
		kv, err := presence.NewKVRegistry(js, cfg.NATSBucketPrefix, cfg.PresenceTTL)
		if err != nil {
			logger.Error(ctx, "Failed to open presence buckets", "error", err.Error())
			os.Exit(1)
		}
		registry = kv

		bridge := cluster.NewBridge(nc, hub, logger, cfg.NATSBucketPrefix)
		if err := bridge.Start(); err != nil {
			logger.Error(ctx, "Failed to start cluster bridge", "error", err.Error())
			os.Exit(1)
		}
		defer bridge.Close()
		emitter = bridge

		logger.Info(ctx, "Presence shared through NATS", "url", nc.ConnectedUrl(), "instance", bridge.InstanceID())
	} else {
		mem := presence.NewMemoryRegistry(cfg.PresenceTTL)
		go mem.RunSweeper(ctx, cfg.SweepInterval, logger)
		registry = mem
	}

	service := events.NewService(registry, emitter, logger,
		events.WithMetrics(metrics),
		events.WithHandlerTimeout(cfg.HandlerTimeout),
	)
	service.Register(router)

	wsHandler := websocket.NewHandler(hub, router, taskPool, logger)
	wsHandler.SendBuffer = cfg.SendBuffer

	metrics.TrackWorkers(taskPool.Running)
	metrics.Start(5*time.Second, func() (int, error) { return registry.Count(context.Background()) })

	srv := server.NewServer(":"+cfg.Port, wsHandler, service, registry, metrics, logger, cfg)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Starting server", "port", cfg.Port, "registry", cfg.RegistryBackend)
		errCh <- srv.Run(ctx)
	}()

	runDone := false
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(ctx, "Server failed to start", "error", err.Error())
			os.Exit(1)
		}
		runDone = true
	case <-ctx.Done():
	}
	logger.Info(context.Background(), "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Server forced to shutdown", "error", err.Error())
	}
	if !runDone {
		<-errCh
	}

	logger.Info(shutdownCtx, "Server exited")
}
