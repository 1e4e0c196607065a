package api

import (
	"github.com/gin-gonic/gin"

	"github.com/acp2/gateway/internal/agent/registry"
	"github.com/acp2/gateway/internal/common/logger"
	"github.com/acp2/gateway/internal/events/bus"
	"github.com/acp2/gateway/internal/orchestrator/streaming"
	"github.com/acp2/gateway/internal/run"
	"github.com/acp2/gateway/internal/session"
)

// RouterConfig carries the dependencies of the HTTP surface.
type RouterConfig struct {
	Registry  *registry.Registry
	Runs      *run.Manager
	Sessions  session.Store
	Bus       bus.EventBus
	Hub       *streaming.Hub
	WorkDir   string
	AuthToken string
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(cfg RouterConfig, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	handler := NewHandler(cfg.Registry, cfg.Runs, cfg.Sessions, cfg.Bus, cfg.Hub, cfg.WorkDir, log)

	// Only /health stays open for load balancers.
	router.GET("/health", handler.Health)

	api := router.Group("/")
	api.Use(BearerAuth(cfg.AuthToken))
	{
		api.GET("/ping", handler.Ping)

		api.GET("/agents", handler.ListAgents)
		api.GET("/agents/:agentName", handler.GetAgentManifest)

		api.POST("/runs", handler.CreateRun)
		api.GET("/runs", handler.ListRuns)
		api.GET("/runs/:runId", handler.GetRun)
		api.POST("/runs/:runId/cancel", handler.CancelRun)

		api.GET("/sessions", handler.ListSessions)
		api.GET("/sessions/:sessionId", handler.GetSession)
		api.DELETE("/sessions/:sessionId", handler.DeleteSession)

		api.GET("/ws", cfg.Hub.ServeWS)
	}

	return router
}
