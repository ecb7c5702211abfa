package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler upgrades push requests and binds them to the hub.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a push connection handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "push_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and attaches the
// connection as the session's push channel. The session need not
// exist yet; clients may connect before their first chat message.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	h.logger.Info("Push connection established",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(sessionID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
