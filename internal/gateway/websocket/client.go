package websocket

import (
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client is a single push connection bound to a session.
type Client struct {
	sessionID string
	conn      *gorillaws.Conn
	hub       *Hub
	send      chan []byte

	// closeMsg, when set by the hub before send is closed, is written
	// as the close frame so the peer learns why it was disconnected.
	closeMsg []byte

	logger *logger.Logger
}

// NewClient wraps an upgraded connection for the given session.
func NewClient(sessionID string, conn *gorillaws.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 64),
		logger:    log.WithFields(zap.String("session_id", sessionID)),
	}
}

// ReadPump consumes frames from the peer until the connection dies.
// Inbound frames are read and discarded; this revision reserves them
// for future client-side signals. The loop keeps the pong handler
// serviced so idle connections stay alive.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseGoingAway,
				gorillaws.CloseAbnormalClosure) {
				c.logger.Warn("Push read error", zap.Error(err))
			}
			return
		}
		c.logger.Debug("Ignoring client frame", zap.Int("bytes", len(frame)))
	}
}

// WritePump writes queued envelopes and keepalive pings to the peer.
// Each envelope goes out as its own text frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel; closeMsg carries the reason.
				c.conn.WriteMessage(gorillaws.CloseMessage, c.closeMsg)
				return
			}

			if err := c.conn.WriteMessage(gorillaws.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
