package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.POST("/messages", h.SubmitMessage)
		api.GET("/messages/:client_id", h.MessageHistory)
		api.GET("/messages/:client_id/classifications", h.ClassificationHistory)
		api.POST("/feedback", h.SubmitFeedback)
	}

	return r
}
