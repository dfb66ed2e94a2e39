package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps sliding windows in process memory. Correct only for
// single-instance deployments: counters are not shared across replicas. Use
// the redis limiter whenever more than one instance runs.
type MemoryLimiter struct {
	mu     sync.Mutex
	limits Limits
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		limits: limits,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windows := l.limits.windows(clientID)

	// Check every window before recording the hit: a rejection must not
	// consume budget in the windows that still had room.
	for _, w := range windows {
		if l.countLocked(w.key, now.Add(-w.span)) >= w.capacity {
			return ErrRateLimited
		}
	}
	for _, w := range windows {
		l.hits[w.key] = append(l.hits[w.key], now)
	}
	return nil
}

// countLocked prunes entries older than cutoff and returns the live count.
func (l *MemoryLimiter) countLocked(key string, cutoff time.Time) int {
	entries := l.hits[key]
	kept := entries[:0]
	for _, at := range entries {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.hits[key] = kept
	return len(kept)
}

func (l *MemoryLimiter) Close() error { return nil }
