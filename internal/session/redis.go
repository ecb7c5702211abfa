package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_sessions:"
)

// RedisStore implements Store on Redis. Sessions are stored as JSON
// under session:{id} with the TTL applied on every write; a
// user_sessions:{user} set indexes sessions per user for the
// administrative listing endpoint.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	maxLen int
	logger *logger.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration, maxHistory int, log *logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Info("Connected to Redis", zap.String("addr", cfg.Addr), zap.Duration("session_ttl", ttl))

	return &RedisStore{
		client: client,
		ttl:    ttl,
		maxLen: maxHistory,
		logger: log.WithFields(zap.String("component", "session_store")),
	}, nil
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func userKey(userID string) string { return userKeyPrefix + userID }

// Get loads a session. Returns ErrNotFound when absent or expired.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Put writes the session and resets its TTL. The per-user index entry
// expires alongside the session.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	s.Touch()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), data, r.ttl)
	if s.UserID != "" {
		pipe.SAdd(ctx, userKey(s.UserID), s.ID)
		pipe.Expire(ctx, userKey(s.UserID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes the session and its index entry.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	if s.UserID != "" {
		pipe.SRem(ctx, userKey(s.UserID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// ListByUser returns session ids indexed for a user. Entries whose
// session already expired are pruned from the index as a side effect.
func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists: %w", err)
		}
		if exists == 0 {
			r.client.SRem(ctx, userKey(userID), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// AppendMessage atomically appends one message, truncating history to
// the configured cap. Optimistic concurrency via WATCH; a raced write
// is retried with jitter before surfacing ErrConflict.
func (r *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	return r.withSession(ctx, sessionID, func(s *Session) error {
		s.Append(msg, r.maxLen)
		return nil
	})
}

// AppendPending appends a provisional assistant message and registers
// its pending task in the same atomic write.
func (r *RedisStore) AppendPending(ctx context.Context, sessionID string, msg Message, task PendingTask) error {
	return r.withSession(ctx, sessionID, func(s *Session) error {
		s.Append(msg, r.maxLen)
		s.RegisterTask(task)
		return nil
	})
}

// UpdateMessageByCorrelation rewrites the pending assistant message
// addressed by correlationID. Returns false when no history entry
// carries that correlation id (e.g. history already truncated).
func (r *RedisStore) UpdateMessageByCorrelation(ctx context.Context, sessionID, correlationID string, c Completion) (bool, error) {
	updated := false
	err := r.withSession(ctx, sessionID, func(s *Session) error {
		updated = applyCompletion(s, correlationID, c)
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// withSession runs one optimistic read-modify-write cycle on a session key.
func (r *RedisStore) withSession(ctx context.Context, sessionID string, mutate func(*Session) error) error {
	key := sessionKey(sessionID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("corrupt session %s: %w", sessionID, err)
		}
		if err := mutate(&s); err != nil {
			return err
		}

		out, err := json.Marshal(&s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		r.logger.Debug("Session write raced, retrying",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt+1))
		time.Sleep(time.Duration(rand.Int63n(int64(conflictJitter))))
	}
	return ErrConflict
}

// ActiveSessions counts live session keys.
func (r *RedisStore) ActiveSessions(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Ping reports store reachability.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
