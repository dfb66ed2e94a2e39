package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/storage"
)

// Guard detects resubmissions of the same logical message before any
// classification work happens. It only reads; the unique constraint on
// idempotency_key in the storage layer settles write races between concurrent
// submissions, including across process instances.
type Guard struct {
	store  storage.Storage
	window time.Duration
}

func NewGuard(store storage.Storage, window time.Duration) *Guard {
	return &Guard{store: store, window: window}
}

// Check returns the previously-accepted message if this submission is a
// duplicate, nil otherwise. With an idempotency key the match is exact and
// the caller must replay the original response byte for byte. Without a key
// the content+time-window heuristic is best-effort only: it narrows the race
// window for double-taps and client retries but guarantees nothing.
func (g *Guard) Check(ctx context.Context, clientID, normalizedContent string, idempotencyKey string) (*models.Message, error) {
	if idempotencyKey != "" {
		existing, err := g.store.GetMessageByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		return existing, nil
	}

	existing, err := g.store.FindRecentDuplicate(ctx, clientID, normalizedContent, g.window)
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	return existing, nil
}
