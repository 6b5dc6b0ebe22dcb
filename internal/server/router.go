package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/batchd/internal/handlers"
)

type RouterConfig struct {
	InstancesHandler    *handlers.InstancesHandler
	DeliverablesHandler *handlers.DeliverablesHandler
	SSEHandler          *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Instances
		api.POST("/instances", cfg.InstancesHandler.Enqueue)
		api.GET("/instances", cfg.InstancesHandler.List)
		api.GET("/instances/:id", cfg.InstancesHandler.Get)
		api.GET("/instances/:id/messages", cfg.InstancesHandler.Messages)
		api.GET("/instances/:id/progress", cfg.InstancesHandler.Progress)
		api.GET("/instances/:id/deliverables", cfg.InstancesHandler.Deliverables)
		api.POST("/instances/:id/kill", cfg.InstancesHandler.Kill)
		api.POST("/instances/:id/pause", cfg.InstancesHandler.Pause)
		api.POST("/instances/:id/resume", cfg.InstancesHandler.Resume)
		api.POST("/instances/:id/priority", cfg.InstancesHandler.SetPriority)
		// Deliverable content
		api.GET("/deliverables/:id/content", cfg.DeliverablesHandler.Content)
	}

	// SSE
	router.GET("/sse/instances/:id", cfg.SSEHandler.StreamInstance)

	return router
}
