// Package session defines conversation session state and the store that
// persists it across orchestrator instances.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles within a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses. A pending assistant message is awaiting an agent
// response addressed by its correlation id.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Pending task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// MessageMeta carries classification and correlation data for one message.
type MessageMeta struct {
	Intent        string  `json:"intent,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Timestamp time.Time   `json:"timestamp"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Metadata  MessageMeta `json:"metadata,omitempty"`
}

// PendingTask tracks a dispatched agent task awaiting resolution.
type PendingTask struct {
	TaskID    string    `json:"task_id"` // equals the correlation id
	TaskType  string    `json:"task_type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Session is a durable conversation thread.
type Session struct {
	ID            string                 `json:"session_id"`
	UserID        string                 `json:"user_id"`
	CreatedAt     time.Time              `json:"created_at"`
	LastActivity  time.Time              `json:"last_activity"`
	Language      string                 `json:"language"`
	CurrentIntent string                 `json:"current_intent,omitempty"`
	WorkflowState string                 `json:"workflow_state,omitempty"`
	History       []Message              `json:"conversation_history"`
	PendingTasks  map[string]PendingTask `json:"pending_tasks,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// New creates a fresh session. When id is empty a new UUID v4 is minted.
func New(id, userID, language string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	if language == "" {
		language = "en"
	}
	now := nowUTC()
	return &Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Language:     language,
		History:      []Message{},
		PendingTasks: map[string]PendingTask{},
		Metadata:     map[string]string{},
	}
}

// NewUserMessage builds a user turn stamped now.
func NewUserMessage(content string) Message {
	return Message{
		Timestamp: nowUTC(),
		Role:      RoleUser,
		Content:   content,
	}
}

// NewAssistantMessage builds an assistant turn stamped now.
func NewAssistantMessage(content string, meta MessageMeta) Message {
	return Message{
		Timestamp: nowUTC(),
		Role:      RoleAssistant,
		Content:   content,
		Metadata:  meta,
	}
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = nowUTC()
}

// Append adds a message to history, dropping the oldest entries beyond
// max. A turn carrying an intent also becomes the session's current
// intent.
func (s *Session) Append(msg Message, max int) {
	s.History = append(s.History, msg)
	if max > 0 && len(s.History) > max {
		s.History = s.History[len(s.History)-max:]
	}
	if msg.Metadata.Intent != "" {
		s.CurrentIntent = msg.Metadata.Intent
	}
	s.Touch()
}

// RegisterTask records a dispatched task awaiting resolution.
func (s *Session) RegisterTask(task PendingTask) {
	if s.PendingTasks == nil {
		s.PendingTasks = map[string]PendingTask{}
	}
	s.PendingTasks[task.TaskID] = task
}

// RecentTurns returns the last n user/assistant turns, oldest first.
// System messages and pending placeholders are skipped.
func (s *Session) RecentTurns(n int) []Message {
	turns := make([]Message, 0, n)
	for i := len(s.History) - 1; i >= 0 && len(turns) < n; i-- {
		m := s.History[i]
		if m.Role == RoleSystem || m.Metadata.Status == StatusPending {
			continue
		}
		turns = append(turns, m)
	}
	// reverse back to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// nowUTC returns the current time in UTC truncated to millisecond
// precision, the resolution stored and sent on the wire.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
