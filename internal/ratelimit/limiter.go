package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned when any window is exhausted. The pipeline maps
// it to HTTP 429 before a single Message row is created.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limits holds the sliding-window budgets. A zero value disables that window.
type Limits struct {
	ClientPerMinute int
	GlobalPerMinute int
	GlobalPerHour   int
}

// Limiter enforces sliding-window limits on inbound message processing.
// Allow counts the request against every window it passes; a rejected request
// consumes nothing downstream (no dedup slot, no Message row).
type Limiter interface {
	Allow(ctx context.Context, clientID string) error
	Close() error
}

type window struct {
	key      string
	span     time.Duration
	capacity int
}

func (l Limits) windows(clientID string) []window {
	var out []window
	if l.ClientPerMinute > 0 {
		out = append(out, window{key: "rl:client:" + clientID, span: time.Minute, capacity: l.ClientPerMinute})
	}
	if l.GlobalPerMinute > 0 {
		out = append(out, window{key: "rl:global:minute", span: time.Minute, capacity: l.GlobalPerMinute})
	}
	if l.GlobalPerHour > 0 {
		out = append(out, window{key: "rl:global:hour", span: time.Hour, capacity: l.GlobalPerHour})
	}
	return out
}

// NopLimiter disables rate limiting (rate_limit.enabled=false).
type NopLimiter struct{}

func (NopLimiter) Allow(ctx context.Context, clientID string) error { return nil }
func (NopLimiter) Close() error                                     { return nil }
