package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Used by tests and by
// development mode when no Redis address is configured. Expiry is lazy:
// entries past their deadline are treated as absent and pruned on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	byUser  map[string]map[string]bool
	ttl     time.Duration
	maxLen  int
	clock   func() time.Time
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration, maxHistory int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		byUser:  make(map[string]map[string]bool),
		ttl:     ttl,
		maxLen:  maxHistory,
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Test hook for TTL expiry.
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *MemoryStore) live(sessionID string) *memoryEntry {
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	if m.clock().After(e.expiresAt) {
		m.evict(sessionID, e)
		return nil
	}
	return e
}

func (m *MemoryStore) evict(sessionID string, e *memoryEntry) {
	delete(m.entries, sessionID)
	if e.session.UserID != "" {
		if ids, ok := m.byUser[e.session.UserID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(m.byUser, e.session.UserID)
			}
		}
	}
}

// Get loads a session. Returns ErrNotFound when absent or expired.
func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return nil, ErrNotFound
	}
	cp := cloneSession(e.session)
	return cp, nil
}

// Put writes the session and resets its TTL.
func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.Touch()
	m.store(cloneSession(s))
	return nil
}

func (m *MemoryStore) store(s *Session) {
	m.entries[s.ID] = &memoryEntry{
		session:   s,
		expiresAt: m.clock().Add(m.ttl),
	}
	if s.UserID != "" {
		if m.byUser[s.UserID] == nil {
			m.byUser[s.UserID] = make(map[string]bool)
		}
		m.byUser[s.UserID][s.ID] = true
	}
}

// Delete removes the session.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return ErrNotFound
	}
	m.evict(sessionID, e)
	return nil
}

// ListByUser returns live session ids for a user.
func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		if m.live(id) != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AppendMessage atomically appends one message with truncation.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return ErrNotFound
	}
	e.session.Append(msg, m.maxLen)
	e.expiresAt = m.clock().Add(m.ttl)
	return nil
}

// AppendPending appends a provisional assistant message and registers
// its pending task in the same atomic write.
func (m *MemoryStore) AppendPending(ctx context.Context, sessionID string, msg Message, task PendingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return ErrNotFound
	}
	e.session.Append(msg, m.maxLen)
	e.session.RegisterTask(task)
	e.expiresAt = m.clock().Add(m.ttl)
	return nil
}

// UpdateMessageByCorrelation rewrites the pending assistant message
// addressed by correlationID.
func (m *MemoryStore) UpdateMessageByCorrelation(ctx context.Context, sessionID, correlationID string, c Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(sessionID)
	if e == nil {
		return false, ErrNotFound
	}
	updated := applyCompletion(e.session, correlationID, c)
	if updated {
		e.expiresAt = m.clock().Add(m.ttl)
	}
	return updated, nil
}

// ActiveSessions counts live sessions.
func (m *MemoryStore) ActiveSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id := range m.entries {
		if m.live(id) != nil {
			count++
		}
	}
	return count, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// cloneSession deep-copies a session so callers cannot mutate stored state.
func cloneSession(s *Session) *Session {
	cp := *s
	cp.History = make([]Message, len(s.History))
	copy(cp.History, s.History)
	cp.PendingTasks = make(map[string]PendingTask, len(s.PendingTasks))
	for k, v := range s.PendingTasks {
		cp.PendingTasks[k] = v
	}
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
