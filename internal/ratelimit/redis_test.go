package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func newRedisLimiter(t *testing.T, limits Limits) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	limiter, err := NewRedisLimiter(mr.Addr(), 0, limits, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRedisLimiter: %v", err)
	}
	t.Cleanup(func() { limiter.Close() })
	return limiter, mr
}

func TestRedisLimiterClientWindow(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Limits{
		ClientPerMinute: 3,
		GlobalPerMinute: 100,
		GlobalPerHour:   1000,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "c1"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "c1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request: err = %v, want ErrRateLimited", err)
	}

	// Another client has its own window.
	if err := limiter.Allow(ctx, "c2"); err != nil {
		t.Fatalf("other client: %v", err)
	}
}

func TestRedisLimiterGlobalWindow(t *testing.T) {
	limiter, _ := newRedisLimiter(t, Limits{
		ClientPerMinute: 100,
		GlobalPerMinute: 2,
		GlobalPerHour:   1000,
	})
	ctx := context.Background()

	if err := limiter.Allow(ctx, "c1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := limiter.Allow(ctx, "c2"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := limiter.Allow(ctx, "c3"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third: err = %v, want ErrRateLimited", err)
	}
}

func TestRedisLimiterRejectionConsumesNothing(t *testing.T) {
	// Client cap 3, global cap 4. The rejected 4th request from c1 must not
	// have recorded a global hit, so c1's rejection leaves room for c2.
	limiter, _ := newRedisLimiter(t, Limits{
		ClientPerMinute: 3,
		GlobalPerMinute: 4,
		GlobalPerHour:   1000,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "c1"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "c1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request: err = %v, want ErrRateLimited", err)
	}
	if err := limiter.Allow(ctx, "c2"); err != nil {
		t.Fatalf("c2 after c1 rejection: %v", err)
	}
}

func TestRedisLimiterFailOpen(t *testing.T) {
	limiter, mr := newRedisLimiter(t, Limits{
		ClientPerMinute: 1,
		GlobalPerMinute: 1,
		GlobalPerHour:   1,
	})
	mr.Close()

	if err := limiter.Allow(context.Background(), "c1"); err != nil {
		t.Fatalf("Allow with redis down: %v, want nil", err)
	}
}
