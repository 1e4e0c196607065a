package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/agent/registry"
	"github.com/acp2/gateway/internal/common/config"
	"github.com/acp2/gateway/internal/common/logger"
	"github.com/acp2/gateway/internal/events/bus"
	"github.com/acp2/gateway/internal/orchestrator/api"
	"github.com/acp2/gateway/internal/orchestrator/streaming"
	"github.com/acp2/gateway/internal/run"
	"github.com/acp2/gateway/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ACP gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Load the agent registry; a missing config is a startup failure
	reg, err := registry.NewRegistry(cfg.AgentsConfig, log)
	if err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATSURL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Session store: postgres, sqlite, or in-memory
	sessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer sessions.Close()

	// 6. Run manager and websocket hub
	runs := run.NewManager(log)
	hub := streaming.NewHub(log)

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterConfig{
		Registry:  reg,
		Runs:      runs,
		Sessions:  sessions,
		Bus:       eventBus,
		Hub:       hub,
		WorkDir:   cfg.WorkDir,
		AuthToken: cfg.AuthToken,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ACP gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("ACP gateway stopped")
}

// newSessionStore selects the persistence backend from configuration. A DSN
// wins over a sqlite path; with neither, history lives in memory.
func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch {
	case cfg.Sessions.DSN != "":
		return session.NewPostgresStore(ctx, cfg.Sessions.DSN)
	case cfg.Sessions.DBPath != "":
		return session.NewSQLiteStore(cfg.Sessions.DBPath)
	default:
		return session.NewMemoryStore(), nil
	}
}
