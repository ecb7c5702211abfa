package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	apperrors "github.com/albertbenedi-bit/bithealth-chatbot/internal/common/errors"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/correlation"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/engine"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/gateway/websocket"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/llm"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/session"
)

const serviceName = "backend-orchestrator"

// Deps wires the handler's collaborators.
type Deps struct {
	Engine      *engine.Engine
	Store       session.Store
	Hub         *websocket.Hub
	Providers   *llm.Registry
	Correlation *correlation.Registry
	Bus         bus.Bus
	Metrics     *metrics.Metrics
	Limits      config.LimitsConfig
	Version     string
	Logger      *logger.Logger
}

// Handler contains HTTP handlers for the orchestrator API.
type Handler struct {
	engine      *engine.Engine
	store       session.Store
	hub         *websocket.Hub
	providers   *llm.Registry
	correlation *correlation.Registry
	bus         bus.Bus
	metrics     *metrics.Metrics
	limiter     *userLimiter
	msgLimit    int
	version     string
	logger      *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	msgLimit := d.Limits.MaxMessageChars
	if msgLimit <= 0 {
		msgLimit = 2000
	}
	rpm := d.Limits.ChatPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}

	return &Handler{
		engine:      d.Engine,
		store:       d.Store,
		hub:         d.Hub,
		providers:   d.Providers,
		correlation: d.Correlation,
		bus:         d.Bus,
		metrics:     d.Metrics,
		limiter:     newUserLimiter(rpm),
		msgLimit:    msgLimit,
		version:     version,
		logger:      d.Logger.WithFields(zap.String("component", "chat-api")),
	}
}

// Chat ingests one user message and returns the provisional reply. The
// final answer for dispatched intents arrives on the push channel.
// POST /chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if appErr := req.Validate(h.msgLimit); appErr != nil {
		h.renderError(c, appErr)
		return
	}
	if !h.limiter.Allow(req.UserID) {
		h.renderError(c, apperrors.RateLimited("chat request budget exceeded, retry in a minute"))
		return
	}

	reply, err := h.engine.HandleChat(c.Request.Context(), engine.Request{
		UserID:    req.UserID,
		Message:   req.Message,
		SessionID: req.SessionID,
		Context:   req.Context.toUserContext(),
	})
	if err != nil {
		h.logger.Error("Chat turn failed", zap.String("user_id", req.UserID), zap.Error(err))
		h.renderError(c, apperrors.Wrap(err, "failed to process message"))
		return
	}

	status := http.StatusOK
	if reply.Degraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ChatResponse{
		Response:             reply.Response,
		SessionID:            reply.SessionID,
		Intent:               reply.Intent,
		RequiresHumanHandoff: reply.RequiresHumanHandoff,
		SuggestedActions:     reply.SuggestedActions,
		ConfidenceScore:      reply.Confidence,
		ProcessingTimeMS:     reply.ProcessingTime.Milliseconds(),
		CorrelationID:        reply.CorrelationID,
		Degraded:             reply.Degraded,
	})
}

// GetSession returns the full session view.
// GET /session/:session_id
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	sess, err := h.store.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			h.renderError(c, apperrors.SessionNotFound(sessionID))
			return
		}
		h.logger.Error("Session read failed", zap.String("session_id", sessionID), zap.Error(err))
		h.renderError(c, apperrors.StoreOutage(err))
		return
	}

	c.JSON(http.StatusOK, sess)
}

// DeleteSession removes the session and cancels its in-flight work.
// DELETE /session/:session_id
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.engine.DeleteSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			h.renderError(c, apperrors.SessionNotFound(sessionID))
			return
		}
		h.logger.Error("Session delete failed", zap.String("session_id", sessionID), zap.Error(err))
		h.renderError(c, apperrors.StoreOutage(err))
		return
	}

	c.JSON(http.StatusOK, DeleteSessionResponse{
		SessionID: sessionID,
		Cleared:   true,
	})
}

// Health reports overall service health with per-dependency checks.
// The model check reflects circuit state only; it does not spend a
// completion on every probe.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	checks := map[string]bool{
		"redis":        h.store.Ping(c.Request.Context()) == nil,
		"bus":          h.bus.Connected(),
		"llm_provider": h.providers.Available(),
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !checks["redis"] && !checks["bus"]:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case !checks["redis"] || !checks["bus"] || !checks["llm_provider"]:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Service:   serviceName,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Checks:    checks,
	})
}

// Metrics serves the JSON admin view of the collector state.
// GET /metrics
func (h *Handler) Metrics(c *gin.Context) {
	snap, err := h.metrics.Snapshot()
	if err != nil {
		h.logger.Error("Metrics snapshot failed", zap.Error(err))
		h.renderError(c, apperrors.InternalError("failed to gather metrics", err))
		return
	}

	active, err := h.store.ActiveSessions(c.Request.Context())
	if err != nil {
		// The store being down should not take the admin view with it.
		h.logger.Warn("Active session count unavailable", zap.Error(err))
		active = 0
	}

	c.JSON(http.StatusOK, MetricsResponse{
		ActiveSessions:      active,
		PushConnections:     h.hub.Count(),
		PendingCorrelations: h.correlation.Pending(),
		Snapshot:            *snap,
		Providers: ProvidersView{
			Primary:   h.providers.Primary(),
			Fallbacks: h.providers.Fallbacks(),
		},
	})
}

// renderError writes the AppError and counts it.
func (h *Handler) renderError(c *gin.Context, appErr *apperrors.AppError) {
	h.metrics.ErrorOccurred(appErr.Code)
	c.JSON(appErr.HTTPStatus, appErr)
}
