// Package correlation tracks in-flight agent requests and enforces
// their deadlines. The registry is the single dedup point for agent
// responses: the first Resolve for a correlation id wins, everything
// after it is a duplicate.
package correlation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

// sweepInterval bounds how stale a missed deadline can get before the
// timeout response is synthesized.
const sweepInterval = 250 * time.Millisecond

// timeoutResponseText is the user-facing text for an agent that never
// answered.
const timeoutResponseText = "I'm sorry, this is taking longer than expected. " +
	"I couldn't get an answer in time, so I've flagged your request for our staff. " +
	"Please try again in a moment or contact the hospital directly."

// Entry is one in-flight agent request. Intent and Message are carried
// so the response path can label the final envelope and, for
// knowledge-base misses, re-ask the question directly.
type Entry struct {
	CorrelationID string
	SessionID     string
	UserID        string
	Intent        string
	TaskType      string
	Message       string
	Topic         string
	Deadline      time.Time
	RegisteredAt  time.Time
}

// Handler consumes a synthesized timeout response. It is the same
// function that consumes real agent responses, so timeouts follow the
// identical completion path: resolve, store update, push.
type Handler func(ctx context.Context, resp *agentmsg.TaskResponse)

// Registry tracks pending correlations for this instance.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry

	onTimeout Handler
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry. onTimeout receives the
// synthetic responses produced by the sweeper.
func NewRegistry(onTimeout Handler, m *metrics.Metrics, log *logger.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]Entry),
		onTimeout: onTimeout,
		metrics:   m,
		logger:    log,
		now:       time.Now,
	}
}

// Register adds an in-flight request.
func (r *Registry) Register(e Entry) {
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = r.now()
	}

	r.mu.Lock()
	r.entries[e.CorrelationID] = e
	pending := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug("correlation registered",
		zap.String("correlation_id", e.CorrelationID),
		zap.String("session_id", e.SessionID),
		zap.String("task_type", e.TaskType),
		zap.Time("deadline", e.Deadline),
		zap.Int("pending", pending))
}

// Resolve removes and returns the entry. Only the first caller for a
// given id gets ok=true; late or duplicate responses see ok=false and
// must be dropped.
func (r *Registry) Resolve(correlationID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, correlationID)
	return e, true
}

// CancelBySession drops every pending correlation of a session, e.g.
// when the session is deleted. No timeout response is synthesized for
// cancelled entries.
func (r *Registry) CancelBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.SessionID == sessionID {
			delete(r.entries, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("correlations cancelled",
			zap.String("session_id", sessionID),
			zap.Int("count", n))
	}
	return n
}

// Pending returns the number of in-flight correlations.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps for expired correlations until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep synthesizes an AGENT_TIMEOUT response for every expired entry
// and hands it to the response path. The entry itself stays registered:
// the handler's Resolve removes it, so a real response racing the
// sweeper still resolves exactly once.
func (r *Registry) sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var expired []Entry
	for _, e := range r.entries {
		if now.After(e.Deadline) {
			expired = append(expired, e)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.logger.Warn("agent request timed out",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("session_id", e.SessionID),
			zap.String("task_type", e.TaskType),
			zap.Duration("waited", now.Sub(e.RegisteredAt)))
		r.metrics.AgentTimeout()

		resp := agentmsg.NewTaskResponse(e.CorrelationID, agentmsg.StatusError, agentmsg.Result{
			Response:             timeoutResponseText,
			SessionID:            e.SessionID,
			RequiresHumanHandoff: true,
			SuggestedActions:     []string{"try_again_later", "contact_hospital"},
		})
		resp.ErrorCode = agentmsg.ErrorCodeAgentTimeout

		r.onTimeout(ctx, resp)
	}
}
