package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// allowScript checks every window and records the hit in one atomic step, so
// concurrent requests at the boundary cannot all observe capacity-1 and slip
// past together. KEYS are the window sets; ARGV is the score, the member
// prefix, then a (span-ms, capacity) pair per key.
var allowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
	local span = tonumber(ARGV[2*i+1])
	redis.call('ZREMRANGEBYSCORE', key, 0, now - span)
	if redis.call('ZCARD', key) >= tonumber(ARGV[2*i+2]) then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	local span = tonumber(ARGV[2*i+1])
	redis.call('ZADD', key, now, ARGV[2] .. ':' .. key)
	redis.call('PEXPIRE', key, span + 60000)
end
return 1
`)

// RedisLimiter keeps sliding windows in redis sorted sets so counters stay
// consistent across process instances. Each hit is a member scored by its
// unix-milli timestamp; counting is a range query over the trailing window.
type RedisLimiter struct {
	rdb    *goredis.Client
	limits Limits
	logger *zap.Logger
}

func NewRedisLimiter(addr string, db int, limits Limits, logger *zap.Logger) (*RedisLimiter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLimiter{rdb: rdb, limits: limits, logger: logger}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, clientID string) error {
	windows := l.limits.windows(clientID)
	if len(windows) == 0 {
		return nil
	}

	keys := make([]string, 0, len(windows))
	args := make([]interface{}, 0, 2+2*len(windows))
	args = append(args, time.Now().UnixMilli(), uuid.NewString())
	for _, w := range windows {
		keys = append(keys, w.key)
		args = append(args, w.span.Milliseconds(), w.capacity)
	}

	allowed, err := allowScript.Run(ctx, l.rdb, keys, args...).Int()
	if err != nil {
		// Availability over strictness: a broken counter store must not take
		// message intake down with it.
		l.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return nil
	}
	if allowed == 0 {
		return ErrRateLimited
	}
	return nil
}

func (l *RedisLimiter) Close() error { return l.rdb.Close() }
