// Package engine orchestrates one conversation turn end to end:
// session state, intent classification, agent dispatch, and the
// asynchronous response path that settles provisional messages and
// pushes final answers to the client.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/agents"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	apperrors "github.com/albertbenedi-bit/bithealth-chatbot/internal/common/errors"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/correlation"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/intent"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/llm"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/prompts"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/session"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/push"
)

const (
	// Engine-level retry budget for session appends that lose the
	// optimistic write race after the store's own retries.
	appendRetries = 3

	// Conversation turns shipped to agents and used in prompts.
	historyTurns = 3

	defaultMessageLimit = 2000
	defaultForwardTopic = "push.forward.all"
)

// Canned responses for paths that must not depend on any model or agent.
const (
	emergencyResponse = `
🚨 MEDICAL EMERGENCY DETECTED 🚨

If this is a life-threatening emergency, please:
1. Call emergency services immediately (911/999/112)
2. Go to the nearest emergency room

For urgent but non-life-threatening issues:
- Contact our emergency hotline: [EMERGENCY_NUMBER] (e.g., +62-21-1234567)
- Visit our urgent care center

I'm flagging this for immediate human review.
`

	defaultGreeting = "Hello! I am your healthcare assistant. How can I help you today?"

	defaultPlaceholder = "I'm processing your request. One moment please."

	dispatchFailureResponse = "I apologize, but I'm experiencing technical difficulties. " +
		"Please try again or contact our support team."

	fallbackFailureResponse = "I'm sorry, I'm having trouble processing your question right now. " +
		"Please try again later."

	// Text the knowledge-base agent returns when retrieval found nothing.
	// Such answers are replaced by a direct model response.
	knowledgeBaseMiss = "I could not find relevant information in the documents to answer your question."

	defaultAgentResponse = "Agent completed its task."
)

// Request is one user utterance to process.
type Request struct {
	UserID    string
	Message   string
	SessionID string
	Context   agentmsg.UserContext
}

// Reply is the synchronous answer to a chat request. For dispatched
// intents Response holds the per-intent placeholder; the real answer
// arrives later over the push channel.
type Reply struct {
	SessionID            string
	CorrelationID        string
	Intent               string
	Confidence           float64
	Response             string
	RequiresHumanHandoff bool
	SuggestedActions     []string
	Degraded             bool
	ProcessingTime       time.Duration
}

// Classifier resolves a message's intent.
type Classifier interface {
	Classify(ctx context.Context, message, history string) intent.Result
}

// Dispatcher hands task requests to worker agents.
type Dispatcher interface {
	Dispatch(ctx context.Context, route agents.Route, correlationID string, payload agentmsg.Payload) error
}

// Pusher delivers envelopes to attached push clients.
type Pusher interface {
	Send(sessionID string, env *push.Envelope) bool
	Attached(sessionID string) bool
}

// Deps wires the engine's collaborators.
type Deps struct {
	Store       session.Store
	Classifier  Classifier
	Router      *agents.Router
	Dispatcher  Dispatcher
	Correlation *correlation.Registry
	Chain       llm.Chain
	Prompts     *prompts.Registry
	Hub         Pusher
	Bus         bus.Bus
	Metrics     *metrics.Metrics
	Logger      *logger.Logger

	// Greetings maps language codes to the assistant turn seeded into
	// fresh sessions.
	Greetings map[string]string
	// MessageLimit caps user message length in characters.
	MessageLimit int
	// ForwardTopic carries final envelopes to the instance holding the
	// session's push connection.
	ForwardTopic string
}

// Engine drives conversations. One instance serves all sessions.
type Engine struct {
	store       session.Store
	classifier  Classifier
	router      *agents.Router
	dispatcher  Dispatcher
	registry    *correlation.Registry
	chain       llm.Chain
	prompts     *prompts.Registry
	hub         Pusher
	bus         bus.Bus
	metrics     *metrics.Metrics
	logger      *logger.Logger
	greetings   map[string]string
	msgLimit    int
	fwdTopic    string
	fwdSub      bus.Subscription
	generalTask string
}

// New creates the engine.
func New(d Deps) *Engine {
	msgLimit := d.MessageLimit
	if msgLimit <= 0 {
		msgLimit = defaultMessageLimit
	}
	fwdTopic := d.ForwardTopic
	if fwdTopic == "" {
		fwdTopic = defaultForwardTopic
	}

	return &Engine{
		store:       d.Store,
		classifier:  d.Classifier,
		router:      d.Router,
		dispatcher:  d.Dispatcher,
		registry:    d.Correlation,
		chain:       d.Chain,
		prompts:     d.Prompts,
		hub:         d.Hub,
		bus:         d.Bus,
		metrics:     d.Metrics,
		logger:      d.Logger.WithFields(zap.String("component", "conversation_engine")),
		greetings:   d.Greetings,
		msgLimit:    msgLimit,
		fwdTopic:    fwdTopic,
		generalTask: d.Router.Resolve(intent.Default).TaskType,
	}
}

// Start subscribes the engine to cross-instance push forwarding.
func (e *Engine) Start() error {
	sub, err := e.bus.Subscribe(e.fwdTopic, e.handleForwarded)
	if err != nil {
		return fmt.Errorf("subscribe push forwarding: %w", err)
	}
	e.fwdSub = sub
	return nil
}

// Stop releases the forwarding subscription.
func (e *Engine) Stop() {
	if e.fwdSub != nil {
		if err := e.fwdSub.Unsubscribe(); err != nil {
			e.logger.Warn("Failed to unsubscribe push forwarding", zap.Error(err))
		}
		e.fwdSub = nil
	}
}

// HandleChat runs one conversation turn and returns the synchronous
// reply. Store outages do not fail the request: the engine degrades to
// stateless processing and flags the reply accordingly.
func (e *Engine) HandleChat(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, apperrors.ValidationError("message", "message must not be empty")
	}
	if n := utf8.RuneCountInString(req.Message); n > e.msgLimit {
		return nil, apperrors.ValidationError("message",
			fmt.Sprintf("message length %d exceeds the %d character limit", n, e.msgLimit))
	}

	log := e.logger.WithFields(
		zap.String("user_id", req.UserID),
		zap.String("session_id", req.SessionID))
	log.Info("Processing message started")

	sess, degraded := e.ensureSession(ctx, req)
	log = e.logger.WithFields(
		zap.String("user_id", req.UserID),
		zap.String("session_id", sess.ID))

	res := e.classifier.Classify(ctx, req.Message, historyText(sess.RecentTurns(historyTurns)))
	e.metrics.IntentClassified(res.Intent)
	log.Info("Intent classified",
		zap.String("intent", res.Intent),
		zap.Float64("confidence", res.Confidence),
		zap.String("source", res.Source))

	if res.Intent == intent.Emergency {
		return e.handleEmergency(ctx, sess, req, res, degraded, start, log)
	}

	route := e.router.Resolve(res.Intent)
	correlationID := uuid.New().String()
	placeholder := route.Placeholder
	if placeholder == "" {
		placeholder = defaultPlaceholder
	}

	payload := agentmsg.Payload{
		Message:             req.Message,
		SessionID:           sess.ID,
		UserContext:         userContextOf(sess),
		ConversationHistory: historyEntries(sess.RecentTurns(historyTurns)),
	}

	provisional := session.NewAssistantMessage(placeholder, session.MessageMeta{
		Intent:        res.Intent,
		Confidence:    res.Confidence,
		CorrelationID: correlationID,
		Status:        session.StatusPending,
	})
	deadline := time.Now().Add(route.Timeout)
	task := session.PendingTask{
		TaskID:    correlationID,
		TaskType:  route.TaskType,
		Status:    session.TaskPending,
		CreatedAt: provisional.Timestamp,
		Deadline:  deadline,
	}

	if !degraded {
		err := e.appendPair(ctx, sess.ID, session.NewUserMessage(req.Message), provisional, &task)
		if err != nil {
			log.Warn("Session append failed, continuing stateless", zap.Error(err))
			degraded = true
		}
	}

	if err := e.dispatcher.Dispatch(ctx, route, correlationID, payload); err != nil {
		return e.completeDispatchFailure(ctx, sess.ID, res, correlationID, degraded, start, log, err)
	}

	e.registry.Register(correlation.Entry{
		CorrelationID: correlationID,
		SessionID:     sess.ID,
		UserID:        req.UserID,
		Intent:        res.Intent,
		TaskType:      route.TaskType,
		Message:       req.Message,
		Topic:         route.ResponseTopic,
		Deadline:      deadline,
	})
	log.Info("Task dispatched",
		zap.String("intent", res.Intent),
		zap.String("correlation_id", correlationID),
		zap.String("topic", route.RequestTopic))

	e.metrics.MessageProcessed(time.Since(start).Seconds())
	return &Reply{
		SessionID:            sess.ID,
		CorrelationID:        correlationID,
		Intent:               res.Intent,
		Confidence:           res.Confidence,
		Response:             placeholder,
		RequiresHumanHandoff: false,
		SuggestedActions:     []string{"wait_for_agent_response"},
		Degraded:             degraded,
		ProcessingTime:       time.Since(start),
	}, nil
}

// handleEmergency answers without consulting any model or agent. The
// canned exchange is recorded as completed; nothing is dispatched.
func (e *Engine) handleEmergency(ctx context.Context, sess *session.Session, req Request, res intent.Result, degraded bool, start time.Time, log *logger.Logger) (*Reply, error) {
	log.Error("Medical emergency detected", zap.String("message", req.Message))

	if !degraded {
		canned := session.NewAssistantMessage(emergencyResponse, session.MessageMeta{
			Intent:     res.Intent,
			Confidence: res.Confidence,
			Status:     session.StatusCompleted,
		})
		if err := e.appendPair(ctx, sess.ID, session.NewUserMessage(req.Message), canned, nil); err != nil {
			log.Warn("Session append failed, continuing stateless", zap.Error(err))
			degraded = true
		}
	}

	e.metrics.MessageProcessed(time.Since(start).Seconds())
	return &Reply{
		SessionID:            sess.ID,
		Intent:               res.Intent,
		Confidence:           res.Confidence,
		Response:             emergencyResponse,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{"emergency_escalation", "call_emergency_services"},
		Degraded:             degraded,
		ProcessingTime:       time.Since(start),
	}, nil
}

// completeDispatchFailure settles the provisional message inline when
// the bus cannot accept the task, so the client gets closure in the
// synchronous reply instead of waiting for a push that will never come.
// No correlation entry exists at this point.
func (e *Engine) completeDispatchFailure(ctx context.Context, sessionID string, res intent.Result, correlationID string, degraded bool, start time.Time, log *logger.Logger, cause error) (*Reply, error) {
	log.Error("Dispatch failed, completing inline",
		zap.String("correlation_id", correlationID),
		zap.Bool("timeout", errors.Is(cause, bus.ErrDispatchTimeout)),
		zap.Error(cause))

	if !degraded {
		if _, err := e.store.UpdateMessageByCorrelation(ctx, sessionID, correlationID, session.Completion{
			Content: dispatchFailureResponse,
			Status:  session.StatusError,
		}); err != nil {
			log.Warn("Failed to settle provisional message", zap.Error(err))
		}
	}

	e.metrics.MessageProcessed(time.Since(start).Seconds())
	return &Reply{
		SessionID:            sessionID,
		CorrelationID:        correlationID,
		Intent:               res.Intent,
		Confidence:           res.Confidence,
		Response:             dispatchFailureResponse,
		RequiresHumanHandoff: true,
		SuggestedActions:     []string{"contact_support"},
		Degraded:             degraded,
		ProcessingTime:       time.Since(start),
	}, nil
}

// HandleAgentResponse is the single completion path for agent replies,
// sweeper-synthesized timeouts and inline failures alike: resolve the
// correlation (first arrival wins), settle the provisional message,
// then push the final envelope to whoever holds the connection.
func (e *Engine) HandleAgentResponse(ctx context.Context, resp *agentmsg.TaskResponse) {
	entry, ok := e.registry.Resolve(resp.CorrelationID)
	if !ok {
		e.metrics.DuplicateResponse()
		e.logger.Debug("Dropping response with no pending correlation",
			zap.String("correlation_id", resp.CorrelationID),
			zap.String("session_id", resp.Result.SessionID))
		return
	}

	log := e.logger.WithFields(
		zap.String("session_id", entry.SessionID),
		zap.String("correlation_id", entry.CorrelationID))
	log.Info("Agent response received",
		zap.String("status", resp.Status),
		zap.String("task_type", entry.TaskType),
		zap.String("error_code", resp.ErrorCode))

	text := resp.Result.Response
	if text == "" {
		text = defaultAgentResponse
	}
	status := session.StatusCompleted
	if resp.Status == agentmsg.StatusError {
		status = session.StatusError
	}
	handoff := resp.Result.RequiresHumanHandoff
	actions := resp.Result.SuggestedActions

	if e.isKnowledgeBaseMiss(entry, resp) {
		if answer, ok := e.generalInfoFallback(ctx, entry); ok {
			text, status, handoff, actions = answer, session.StatusCompleted, false, nil
		} else {
			text, status = fallbackFailureResponse, session.StatusError
			handoff, actions = false, []string{"try_again_later"}
		}
	}

	updated, err := e.store.UpdateMessageByCorrelation(ctx, entry.SessionID, entry.CorrelationID, session.Completion{
		Content: text,
		Status:  status,
		Intent:  entry.Intent,
	})
	if err != nil {
		log.Warn("Failed to apply completion to session", zap.Error(err))
	} else if !updated {
		log.Warn("No provisional message carries this correlation id")
	}

	env, err := push.NewFinalResponse(push.FinalResponse{
		SessionID:            entry.SessionID,
		Response:             text,
		Intent:               entry.Intent,
		RequiresHumanHandoff: handoff,
		SuggestedActions:     actions,
		CorrelationID:        entry.CorrelationID,
	})
	if err != nil {
		log.Error("Failed to build push envelope", zap.Error(err))
		return
	}

	if e.hub.Send(entry.SessionID, env) {
		log.Debug("Final response delivered")
		return
	}

	// Another instance may hold the push connection.
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, e.fwdTopic, entry.SessionID, data); err != nil {
		log.Warn("Failed to forward final response", zap.Error(err))
	}
}

// DeleteSession removes the session and cancels its in-flight work so
// no push is produced for it afterwards.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	if n := e.registry.CancelBySession(sessionID); n > 0 {
		e.logger.Info("Pending correlations cancelled",
			zap.String("session_id", sessionID),
			zap.Int("count", n))
	}
	return nil
}

// ensureSession loads the session or creates it, honoring a
// client-supplied id. On store outage it falls back to a detached
// session so the request can still be served statelessly.
func (e *Engine) ensureSession(ctx context.Context, req Request) (*session.Session, bool) {
	if req.SessionID != "" {
		sess, err := e.store.Get(ctx, req.SessionID)
		if err == nil {
			return sess, false
		}
		if !errors.Is(err, session.ErrNotFound) {
			e.logger.Warn("Session store unavailable, continuing stateless",
				zap.String("session_id", req.SessionID), zap.Error(err))
			return e.newSession(req), true
		}
	}

	sess := e.newSession(req)
	if err := e.store.Put(ctx, sess); err != nil {
		e.logger.Warn("Session store unavailable, continuing stateless",
			zap.String("session_id", sess.ID), zap.Error(err))
		return sess, true
	}
	e.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", req.UserID),
		zap.Bool("client_provided_id", req.SessionID != ""))
	return sess, false
}

// newSession builds a fresh session seeded with the language-matched
// greeting and the request context.
func (e *Engine) newSession(req Request) *session.Session {
	sess := session.New(req.SessionID, req.UserID, req.Context.Language)
	if req.Context.UserType != "" {
		sess.Metadata["user_type"] = req.Context.UserType
	}
	if req.Context.Department != "" {
		sess.Metadata["department"] = req.Context.Department
	}
	if req.Context.Priority != "" {
		sess.Metadata["priority"] = req.Context.Priority
	}

	greeting := e.greetings[sess.Language]
	if greeting == "" {
		greeting = e.greetings["en"]
	}
	if greeting == "" {
		greeting = defaultGreeting
	}
	sess.Append(session.NewAssistantMessage(greeting, session.MessageMeta{
		Status: session.StatusCompleted,
	}), 0)
	return sess
}

// appendPair writes the user turn and its assistant counterpart. The
// store serializes each append internally; when a concurrent writer
// still wins the race the losing append is retried against a fresh
// snapshot until the pair lands. Retrying appends individually keeps
// history append-only: re-running the whole pair after a partial
// failure would duplicate the user turn.
func (e *Engine) appendPair(ctx context.Context, sessionID string, user, assistant session.Message, task *session.PendingTask) error {
	if err := e.appendWithRetry(ctx, sessionID, user, nil); err != nil {
		return err
	}
	return e.appendWithRetry(ctx, sessionID, assistant, task)
}

func (e *Engine) appendWithRetry(ctx context.Context, sessionID string, msg session.Message, task *session.PendingTask) error {
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		if task != nil {
			err = e.store.AppendPending(ctx, sessionID, msg, *task)
		} else {
			err = e.store.AppendMessage(ctx, sessionID, msg)
		}
		if !errors.Is(err, session.ErrConflict) {
			return err
		}
		e.logger.Debug("Session append raced, retrying",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt+1))
	}
	return err
}

// isKnowledgeBaseMiss reports whether the knowledge-base agent failed
// to produce an answer, either explicitly or by returning its
// nothing-found text. Sweeper timeouts keep their own copy; re-asking
// a model after the deadline already passed serves nobody.
func (e *Engine) isKnowledgeBaseMiss(entry correlation.Entry, resp *agentmsg.TaskResponse) bool {
	if entry.TaskType != e.generalTask {
		return false
	}
	if resp.ErrorCode == agentmsg.ErrorCodeAgentTimeout {
		return false
	}
	return resp.Status == agentmsg.StatusError || resp.Result.Response == knowledgeBaseMiss
}

// generalInfoFallback asks the model chain directly when the
// knowledge-base agent came up empty.
func (e *Engine) generalInfoFallback(ctx context.Context, entry correlation.Entry) (string, bool) {
	log := e.logger.WithFields(
		zap.String("session_id", entry.SessionID),
		zap.String("correlation_id", entry.CorrelationID))
	log.Info("Knowledge base came up empty, asking the model directly")

	var history string
	userCtx := agentmsg.UserContext{}
	if sess, err := e.store.Get(ctx, entry.SessionID); err == nil {
		history = historyText(sess.RecentTurns(historyTurns))
		userCtx = userContextOf(sess)
	}
	userCtxJSON, err := json.Marshal(userCtx)
	if err != nil {
		return "", false
	}

	prompt, err := e.prompts.Render(prompts.GeneralResponse, map[string]any{
		"Message":     entry.Message,
		"History":     history,
		"UserContext": string(userCtxJSON),
	})
	if err != nil {
		log.Error("Failed to render fallback prompt", zap.Error(err))
		return "", false
	}
	system, err := e.prompts.Render(prompts.SystemPrompt, nil)
	if err != nil {
		log.Error("Failed to render fallback system prompt", zap.Error(err))
		return "", false
	}

	resp, err := e.chain.Generate(ctx, &llm.Request{
		Prompt:       prompt,
		SystemPrompt: system,
		MaxTokens:    1000,
		Temperature:  0.7,
	})
	if err != nil {
		log.Warn("Direct model fallback failed", zap.Error(err))
		return "", false
	}
	return resp.Content, true
}

// handleForwarded delivers envelopes forwarded by peer instances that
// resolved a correlation without holding the session's push connection.
func (e *Engine) handleForwarded(ctx context.Context, topic string, data []byte) error {
	env, err := push.Decode(data)
	if err != nil {
		e.metrics.ProtocolError()
		e.logger.Warn("Dropping malformed forwarded envelope",
			zap.String("topic", topic), zap.Error(err))
		return nil
	}
	sessionID := env.SessionID()
	if sessionID == "" {
		e.metrics.ProtocolError()
		return nil
	}
	if !e.hub.Attached(sessionID) {
		return nil
	}
	if e.hub.Send(sessionID, env) {
		e.logger.Debug("Forwarded final response delivered",
			zap.String("session_id", sessionID))
	}
	return nil
}

// userContextOf rebuilds the agent-facing context from session state.
func userContextOf(s *session.Session) agentmsg.UserContext {
	return agentmsg.UserContext{
		Language:   s.Language,
		UserType:   s.Metadata["user_type"],
		Department: s.Metadata["department"],
		Priority:   s.Metadata["priority"],
	}
}

// historyText renders turns as "role: content" lines for prompt use.
func historyText(turns []session.Message) string {
	var b strings.Builder
	for i, m := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// historyEntries converts turns to the wire shape shipped to agents.
func historyEntries(turns []session.Message) []agentmsg.HistoryEntry {
	entries := make([]agentmsg.HistoryEntry, 0, len(turns))
	for _, m := range turns {
		entries = append(entries, agentmsg.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return entries
}
