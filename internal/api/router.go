package api

import (
	"github.com/gin-gonic/gin"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/gateway/websocket"
)

// SetupRoutes configures the orchestrator API routes.
func SetupRoutes(router *gin.Engine, h *Handler, push *websocket.Handler) {
	// Conversation
	router.POST("/chat", h.Chat)

	// Session inspection and removal
	sessions := router.Group("/session/:session_id")
	{
		sessions.GET("", h.GetSession)
		sessions.DELETE("", h.DeleteSession)
	}

	// Admin surface
	router.GET("/health", h.Health)
	router.GET("/metrics", h.Metrics)
	router.GET("/metrics/prometheus", gin.WrapH(h.metrics.Handler()))

	// Push channel
	router.GET("/ws/:session_id", push.HandleConnection)
}
