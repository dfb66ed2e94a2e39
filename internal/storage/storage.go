package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/support-bot/internal/models"
)

// ErrDuplicateIdempotencyKey is surfaced when the unique constraint on
// idempotency_key rejects an insert: some other request (possibly on another
// instance) already processed this logical message. The storage layer, not an
// in-process lock, is the arbiter of that race.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already processed")

// SessionRouting is the opaque delivery metadata the caller supplies with a
// message; persisted on the dialog session, read back by the auto-close loop.
type SessionRouting struct {
	Platform   string
	WebhookURL string
	ChatID     string
}

// ProcessedRecord is everything one accepted message produces. SaveProcessed
// persists it as a single atomic unit: the inbound message, its optional
// classification, the bot response and the dialog-session touch all commit or
// none do. Inbound.IsFirstMessage is decided inside the transaction while the
// session row is locked and written back to the struct.
type ProcessedRecord struct {
	Inbound        *models.Message
	Classification *models.Classification
	Response       *models.Message
	Routing        SessionRouting
	// EscalateSession moves the dialog to status=escalated along with the write.
	EscalateSession bool
}

type Storage interface {
	// Duplicate/idempotency guard reads.
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
	FindRecentDuplicate(ctx context.Context, clientID, content string, window time.Duration) (*models.Message, error)
	GetResponseToMessage(ctx context.Context, messageID string) (*models.Message, error)
	GetClassificationByMessage(ctx context.Context, messageID string) (*models.Classification, error)

	// Pipeline context reads.
	RecentMessages(ctx context.Context, clientID string, limit int) ([]*models.Message, error)
	CountRecentLowConfidence(ctx context.Context, clientID string, threshold float64, since time.Time) (int, error)

	// Atomic pipeline write.
	SaveProcessed(ctx context.Context, rec *ProcessedRecord) error

	// History reads for the HTTP surface.
	MessagesByClient(ctx context.Context, clientID string, limit int) ([]*models.Message, error)
	ClassificationsByClient(ctx context.Context, clientID string, limit int) ([]*models.Classification, error)

	// Template store capability consumed by the response resolver.
	GetTemplate(ctx context.Context, scenario string) (string, error)

	// Operator feedback intake (analytics-only consumer).
	SaveFeedback(ctx context.Context, fb *models.OperatorFeedback) error

	// Dialog sessions, shared with the auto-close scheduler.
	GetSession(ctx context.Context, clientID string) (*models.DialogSession, error)
	SessionsNeedingFarewell(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error)
	SessionsToClose(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error)
	MarkFarewellSent(ctx context.Context, clientID string, at time.Time) error
	CloseSession(ctx context.Context, clientID string, at time.Time) error

	Close() error
}
