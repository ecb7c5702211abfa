package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle buckets older than this are pruned when the map is next touched.
const limiterIdleEviction = 10 * time.Minute

// userLimiter enforces a per-user requests-per-minute budget. Buckets
// are created on first use and evicted after sitting idle, so the map
// stays proportional to the set of recently active users.
type userLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*userBucket
	rpm       int
	lastPrune time.Time
	now       func() time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(rpm int) *userLimiter {
	return &userLimiter{
		buckets: make(map[string]*userBucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

// Allow reports whether the user may issue another request now.
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleEviction {
		l.prune(now)
	}

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm),
		}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

func (l *userLimiter) prune(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleEviction {
			delete(l.buckets, id)
		}
	}
	l.lastPrune = now
}
