// Package websocket maintains the live push channel to chat clients.
// Connections are keyed by session id and each session holds at most
// one: a newer attach supersedes the old connection.
package websocket

import (
	"context"
	"sync"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/push"
)

// Hub tracks the push connection for each session and delivers
// envelopes addressed by session id.
type Hub struct {
	// Live connections by session id
	sessions map[string]*Client

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Closed when Run exits so late unregisters do not block
	done chan struct{}

	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewHub creates a push hub.
func NewHub(m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "push_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Push hub started")
	defer h.logger.Info("Push hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.attach(client)

		case client := <-h.unregister:
			h.detach(client)
		}
	}
}

// attach records the client as the session's connection. A prior
// connection for the same session is closed with reason "superseded".
func (h *Hub) attach(client *Client) {
	h.mu.Lock()
	prev := h.sessions[client.sessionID]
	h.sessions[client.sessionID] = client
	if prev != nil {
		prev.closeMsg = gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "superseded")
		close(prev.send)
	}
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("Push connection superseded", zap.String("session_id", client.sessionID))
	}
	h.logger.Debug("Push connection attached", zap.String("session_id", client.sessionID))
}

// detach forgets the client unless a newer connection already replaced
// it. The stale unregister from a superseded client must not evict its
// successor.
func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	current := h.sessions[client.sessionID] == client
	if current {
		delete(h.sessions, client.sessionID)
		close(client.send)
	}
	h.mu.Unlock()

	if current {
		h.logger.Debug("Push connection detached", zap.String("session_id", client.sessionID))
	}
}

// closeAll closes every connection.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, client := range h.sessions {
		close(client.send)
		delete(h.sessions, sessionID)
	}
}

// Register attaches a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister detaches a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Send delivers the envelope to the session's connection. It never
// blocks: with no connection attached, or the connection's send buffer
// full, the envelope is dropped and counted. Callers apply completions
// to session state regardless, so a reconnecting client can still read
// the result.
func (h *Hub) Send(sessionID string, env *push.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to encode push envelope", zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.sessions[sessionID]
	if !ok {
		h.metrics.PushDropped()
		return false
	}

	select {
	case client.send <- data:
		return true
	default:
		h.metrics.PushDropped()
		h.logger.Warn("Push send buffer full, dropping envelope",
			zap.String("session_id", sessionID),
			zap.String("type", env.Type))
		return false
	}
}

// Attached reports whether the session holds a live connection on this
// instance.
func (h *Hub) Attached(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[sessionID]
	return ok
}

// Count returns the number of attached connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
