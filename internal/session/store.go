package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a session is absent or expired.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an optimistic write lost a race after
	// exhausting its retry budget.
	ErrConflict = errors.New("session write conflict")
)

// Completion describes the final state applied to a pending assistant
// message when its agent response (or timeout) arrives.
type Completion struct {
	Content string
	Status  string // StatusCompleted or StatusError
	Intent  string // optional; kept when empty
}

// Store persists sessions outside any single orchestrator instance.
//
// Every write resets the session TTL. AppendMessage and
// UpdateMessageByCorrelation are atomic read-modify-write operations
// with optimistic concurrency: implementations retry a bounded number
// of times internally and surface ErrConflict only when the budget is
// exhausted.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
	ListByUser(ctx context.Context, userID string) ([]string, error)
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	// AppendPending appends a provisional assistant message and registers
	// its pending task in the same atomic write.
	AppendPending(ctx context.Context, sessionID string, msg Message, task PendingTask) error
	UpdateMessageByCorrelation(ctx context.Context, sessionID, correlationID string, c Completion) (bool, error)
	ActiveSessions(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Write-conflict retry budget shared by store implementations.
const (
	conflictRetries = 3
	conflictJitter  = 10 * time.Millisecond
)

// applyCompletion rewrites the pending assistant message addressed by
// correlationID and settles the matching pending task. Returns false
// when no message carries that correlation id.
func applyCompletion(s *Session, correlationID string, c Completion) bool {
	updated := false
	for i := range s.History {
		if s.History[i].Metadata.CorrelationID != correlationID {
			continue
		}
		s.History[i].Content = c.Content
		s.History[i].Metadata.Status = c.Status
		s.History[i].Timestamp = nowUTC()
		if c.Intent != "" {
			s.History[i].Metadata.Intent = c.Intent
		}
		updated = true
		break
	}
	delete(s.PendingTasks, correlationID)
	if updated {
		s.Touch()
	}
	return updated
}
