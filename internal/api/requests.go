// Package api provides the REST surface of the chatbot orchestrator.
package api

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/albertbenedi-bit/bithealth-chatbot/internal/common/errors"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

const maxUserIDChars = 100

// ChatRequest is one user utterance.
type ChatRequest struct {
	UserID    string       `json:"user_id" binding:"required"`
	Message   string       `json:"message" binding:"required"`
	SessionID string       `json:"session_id,omitempty"`
	Context   *ChatContext `json:"context,omitempty"`
}

// ChatContext carries optional request metadata recorded on the session.
type ChatContext struct {
	Language   string `json:"language,omitempty"`
	UserType   string `json:"user_type,omitempty"`
	Department string `json:"department,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

var (
	validLanguages = map[string]bool{"en": true, "id": true}
	validUserTypes = map[string]bool{"patient": true, "staff": true}
	validPriority  = map[string]bool{"low": true, "normal": true, "high": true}
)

// Validate checks the request beyond binding: field lengths, the
// session id shape, and the context enums.
func (r *ChatRequest) Validate(maxMessageChars int) *apperrors.AppError {
	if n := utf8.RuneCountInString(r.UserID); n < 1 || n > maxUserIDChars {
		return apperrors.ValidationError("user_id",
			fmt.Sprintf("user_id must be between 1 and %d characters", maxUserIDChars))
	}
	if n := utf8.RuneCountInString(r.Message); n < 1 || n > maxMessageChars {
		return apperrors.ValidationError("message",
			fmt.Sprintf("message must be between 1 and %d characters", maxMessageChars))
	}
	if r.SessionID != "" {
		u, err := uuid.Parse(r.SessionID)
		if err != nil || u.Version() != 4 {
			return apperrors.ValidationError("session_id", "session_id must be a UUID v4")
		}
	}
	if r.Context != nil {
		if r.Context.Language != "" && !validLanguages[r.Context.Language] {
			return apperrors.ValidationError("context.language", "language must be one of: en, id")
		}
		if r.Context.UserType != "" && !validUserTypes[r.Context.UserType] {
			return apperrors.ValidationError("context.user_type", "user_type must be one of: patient, staff")
		}
		if r.Context.Priority != "" && !validPriority[r.Context.Priority] {
			return apperrors.ValidationError("context.priority", "priority must be one of: low, normal, high")
		}
	}
	return nil
}

// toUserContext maps the wire context to the agent-facing shape.
func (c *ChatContext) toUserContext() agentmsg.UserContext {
	if c == nil {
		return agentmsg.UserContext{}
	}
	return agentmsg.UserContext{
		Language:   c.Language,
		UserType:   c.UserType,
		Department: c.Department,
		Priority:   c.Priority,
	}
}

// ChatResponse is the provisional (or, for short-circuited intents,
// final) answer to a chat request.
type ChatResponse struct {
	Response             string   `json:"response"`
	SessionID            string   `json:"session_id"`
	Intent               string   `json:"intent"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions"`
	ConfidenceScore      float64  `json:"confidence_score"`
	ProcessingTimeMS     int64    `json:"processing_time_ms"`
	CorrelationID        string   `json:"correlation_id,omitempty"`
	Degraded             bool     `json:"degraded,omitempty"`
}

// DeleteSessionResponse for session removal.
type DeleteSessionResponse struct {
	SessionID string `json:"session_id"`
	Cleared   bool   `json:"cleared"`
}

// HealthResponse for the health endpoint.
type HealthResponse struct {
	Status    string          `json:"status"`
	Service   string          `json:"service"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Checks    map[string]bool `json:"checks"`
}

// ProvidersView names the configured model chain.
type ProvidersView struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

// MetricsResponse is the JSON admin view: live gauges plus the
// aggregated counter snapshot.
type MetricsResponse struct {
	ActiveSessions      int `json:"active_sessions"`
	PushConnections     int `json:"push_connections"`
	PendingCorrelations int `json:"pending_correlations"`
	metrics.Snapshot
	Providers ProvidersView `json:"providers"`
}
