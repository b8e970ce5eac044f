package router

import (
	"github.com/gin-gonic/gin"

	"conductor.app/conductor/internal/http/handler"
)

func JobRouter(rg *gin.RouterGroup, h *handler.JobHandler, ws *handler.SubscribeHandler) {
	rg.POST("", h.Submit)
	rg.POST("/batch", h.SubmitBatch)
	rg.GET("/:job_id", h.Get)
	rg.POST("/:job_id/cancel", h.Cancel)
	rg.GET("/:job_id/subscribe", ws.Subscribe)
}
