package http

import (
	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-telemetry/internal/api/http/handler"
	"github.com/EternisAI/silo-telemetry/internal/api/http/middleware"
	"github.com/EternisAI/silo-telemetry/internal/auth"
	"github.com/EternisAI/silo-telemetry/internal/registry"
)

type Services struct {
	Registry  *registry.Registry
	Telemetry handler.LiveView
	Config    Config
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(auth.Config{Secret: srvs.Config.JWTSecret}, srvs.Config.APIKey)
	engine.POST("/auth/token", authHandler.IssueToken)

	if srvs.Registry != nil {
		telemetryHandler := handler.NewTelemetryHandler(srvs.Registry, srvs.Telemetry)

		group := engine.Group("/telemetry",
			middleware.AdminAuth(srvs.Config.APIKey, srvs.Config.JWTSecret))
		group.GET("/agents", telemetryHandler.ListAgents)
		group.GET("/agents/:id", telemetryHandler.GetAgent)
		group.GET("/agents/:id/bom/latest", telemetryHandler.GetLatestBom)
		group.GET("/agents/:id/bom/history", telemetryHandler.GetBomHistory)
		group.POST("/agents/:id/command", telemetryHandler.QueueCommand)
		group.GET("/status", telemetryHandler.Status)
		group.POST("/purge", telemetryHandler.PurgeAgents)
	}
}
