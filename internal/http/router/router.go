package router

import (
	"github.com/gin-gonic/gin"

	"conductor.app/conductor/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, jobs *handler.JobHandler, subscribe *handler.SubscribeHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		JobRouter(v1.Group("/jobs"), jobs, subscribe)
	}
}
