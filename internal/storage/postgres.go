package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

const uniqueViolation = "23505"

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

const messageColumns = `id, client_id, content, message_type, is_first_message,
	priority, escalation_reason, related_message_id, idempotency_key, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var escalation, related, idemKey sql.NullString
	err := row.Scan(
		&msg.ID,
		&msg.ClientID,
		&msg.Content,
		&msg.Type,
		&msg.IsFirstMessage,
		&msg.Priority,
		&escalation,
		&related,
		&idemKey,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if escalation.Valid {
		reason := models.EscalationReason(escalation.String)
		msg.EscalationReason = &reason
	}
	if related.Valid {
		msg.RelatedMessageID = &related.String
	}
	if idemKey.Valid {
		msg.IdempotencyKey = &idemKey.String
	}
	return msg, nil
}

func (s *PostgresStorage) GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE idempotency_key = $1`, messageColumns)

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying message by idempotency key: %v", err)
	}
	return msg, nil
}

func (s *PostgresStorage) FindRecentDuplicate(ctx context.Context, clientID, content string, window time.Duration) (*models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE client_id = $1 AND content = $2 AND message_type = 'user'
			AND created_at >= NOW() - $3 * INTERVAL '1 second'
		ORDER BY created_at DESC
		LIMIT 1`, messageColumns)

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, clientID, content, window.Seconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying recent duplicate: %v", err)
	}
	return msg, nil
}

func (s *PostgresStorage) GetResponseToMessage(ctx context.Context, messageID string) (*models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE related_message_id = $1
		ORDER BY created_at ASC
		LIMIT 1`, messageColumns)

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying response message: %v", err)
	}
	return msg, nil
}

func (s *PostgresStorage) GetClassificationByMessage(ctx context.Context, messageID string) (*models.Classification, error) {
	query := `
		SELECT id, message_id, detected_scenario, confidence, ai_model, COALESCE(reasoning, ''), created_at
		FROM classifications
		WHERE message_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	cls := &models.Classification{}
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&cls.ID,
		&cls.MessageID,
		&cls.Scenario,
		&cls.Confidence,
		&cls.AIModel,
		&cls.Reasoning,
		&cls.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying classification: %v", err)
	}
	return cls, nil
}

func (s *PostgresStorage) RecentMessages(ctx context.Context, clientID string, limit int) ([]*models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, messageColumns)

	return s.queryMessages(ctx, query, clientID, limit)
}

func (s *PostgresStorage) MessagesByClient(ctx context.Context, clientID string, limit int) ([]*models.Message, error) {
	return s.RecentMessages(ctx, clientID, limit)
}

func (s *PostgresStorage) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) CountRecentLowConfidence(ctx context.Context, clientID string, threshold float64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM classifications c
		JOIN messages m ON m.id = c.message_id
		WHERE m.client_id = $1 AND c.confidence < $2 AND c.created_at >= $3`

	var count int
	if err := s.db.QueryRowContext(ctx, query, clientID, threshold, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting low-confidence classifications: %v", err)
	}
	return count, nil
}

// SaveProcessed commits the whole pipeline outcome in one transaction. The
// dialog-session upsert runs first: its row lock serializes concurrent
// messages from the same client across all instances, which makes the
// first-message check race-free.
func (s *PostgresStorage) SaveProcessed(ctx context.Context, rec *ProcessedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	clientID := rec.Inbound.ClientID

	// Upsert + lock the session row. Reopening a closed session clears
	// closed_at and farewell_sent_at; routing metadata refreshes when the
	// caller supplied new values.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dialog_sessions (client_id, status, last_activity_at, platform, webhook_url, chat_id)
		VALUES ($1, 'open', NOW(), $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE SET
			status = CASE WHEN dialog_sessions.status = 'closed' THEN 'open' ELSE dialog_sessions.status END,
			closed_at = CASE WHEN dialog_sessions.status = 'closed' THEN NULL ELSE dialog_sessions.closed_at END,
			farewell_sent_at = CASE WHEN dialog_sessions.status = 'closed' THEN NULL ELSE dialog_sessions.farewell_sent_at END,
			last_activity_at = NOW(),
			platform = COALESCE(NULLIF(EXCLUDED.platform, ''), dialog_sessions.platform),
			webhook_url = COALESCE(NULLIF(EXCLUDED.webhook_url, ''), dialog_sessions.webhook_url),
			chat_id = COALESCE(NULLIF(EXCLUDED.chat_id, ''), dialog_sessions.chat_id)`,
		clientID, rec.Routing.Platform, rec.Routing.WebhookURL, rec.Routing.ChatID)
	if err != nil {
		return fmt.Errorf("error upserting dialog session: %v", err)
	}

	// First-message determination happens under the session row lock.
	var priorCount int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE client_id = $1 AND message_type = 'user'`,
		clientID).Scan(&priorCount)
	if err != nil {
		return fmt.Errorf("error counting prior messages: %v", err)
	}
	rec.Inbound.IsFirstMessage = priorCount == 0

	if err := insertMessage(ctx, tx, rec.Inbound); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("error inserting inbound message: %v", err)
	}

	if rec.Classification != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO classifications (id, message_id, detected_scenario, confidence, ai_model, reasoning)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			rec.Classification.ID,
			rec.Classification.MessageID,
			rec.Classification.Scenario,
			rec.Classification.Confidence,
			rec.Classification.AIModel,
			rec.Classification.Reasoning,
		)
		if err != nil {
			return fmt.Errorf("error inserting classification: %v", err)
		}
	}

	if err := insertMessage(ctx, tx, rec.Response); err != nil {
		return fmt.Errorf("error inserting response message: %v", err)
	}

	if rec.EscalateSession {
		_, err = tx.ExecContext(ctx,
			`UPDATE dialog_sessions SET status = 'escalated' WHERE client_id = $1`,
			clientID)
		if err != nil {
			return fmt.Errorf("error escalating dialog session: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %v", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	var escalation, related, idemKey sql.NullString
	if msg.EscalationReason != nil {
		escalation = sql.NullString{String: string(*msg.EscalationReason), Valid: true}
	}
	if msg.RelatedMessageID != nil {
		related = sql.NullString{String: *msg.RelatedMessageID, Valid: true}
	}
	if msg.IdempotencyKey != nil {
		idemKey = sql.NullString{String: *msg.IdempotencyKey, Valid: true}
	}

	return tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, client_id, content, message_type, is_first_message,
			priority, escalation_reason, related_message_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		msg.ID,
		msg.ClientID,
		msg.Content,
		msg.Type,
		msg.IsFirstMessage,
		msg.Priority,
		escalation,
		related,
		idemKey,
	).Scan(&msg.CreatedAt)
}

func (s *PostgresStorage) ClassificationsByClient(ctx context.Context, clientID string, limit int) ([]*models.Classification, error) {
	query := `
		SELECT c.id, c.message_id, c.detected_scenario, c.confidence, c.ai_model, COALESCE(c.reasoning, ''), c.created_at
		FROM classifications c
		JOIN messages m ON m.id = c.message_id
		WHERE m.client_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying classifications: %v", err)
	}
	defer rows.Close()

	var out []*models.Classification
	for rows.Next() {
		cls := &models.Classification{}
		err := rows.Scan(&cls.ID, &cls.MessageID, &cls.Scenario, &cls.Confidence, &cls.AIModel, &cls.Reasoning, &cls.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning classification: %v", err)
		}
		out = append(out, cls)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) GetTemplate(ctx context.Context, scenario string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT template_text FROM response_templates WHERE scenario_name = $1 AND is_active`,
		scenario).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error querying template: %v", err)
	}
	return text, nil
}

func (s *PostgresStorage) SaveFeedback(ctx context.Context, fb *models.OperatorFeedback) error {
	var classificationID, suggested sql.NullString
	if fb.ClassificationID != nil {
		classificationID = sql.NullString{String: *fb.ClassificationID, Valid: true}
	}
	if fb.SuggestedScenario != nil {
		suggested = sql.NullString{String: string(*fb.SuggestedScenario), Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO operator_feedback (id, message_id, classification_id, operator_id, feedback_type, suggested_scenario, comment)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING created_at`,
		fb.ID, fb.MessageID, classificationID, fb.OperatorID, fb.FeedbackType, suggested, fb.Comment,
	).Scan(&fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting operator feedback: %v", err)
	}
	return nil
}

const sessionColumns = `client_id, status, last_activity_at, closed_at, farewell_sent_at, platform, webhook_url, chat_id`

func scanSession(row interface{ Scan(...any) error }) (*models.DialogSession, error) {
	session := &models.DialogSession{}
	var closedAt, farewellAt sql.NullTime
	err := row.Scan(
		&session.ClientID,
		&session.Status,
		&session.LastActivityAt,
		&closedAt,
		&farewellAt,
		&session.Platform,
		&session.WebhookURL,
		&session.ChatID,
	)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		session.ClosedAt = &closedAt.Time
	}
	if farewellAt.Valid {
		session.FarewellSentAt = &farewellAt.Time
	}
	return session, nil
}

func (s *PostgresStorage) GetSession(ctx context.Context, clientID string) (*models.DialogSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM dialog_sessions WHERE client_id = $1`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying dialog session: %v", err)
	}
	return session, nil
}

func (s *PostgresStorage) SessionsNeedingFarewell(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM dialog_sessions
		WHERE status = 'open' AND farewell_sent_at IS NULL AND last_activity_at <= $1`, sessionColumns)

	return s.querySessions(ctx, query, inactiveSince)
}

func (s *PostgresStorage) SessionsToClose(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM dialog_sessions
		WHERE status = 'open' AND last_activity_at <= $1`, sessionColumns)

	return s.querySessions(ctx, query, inactiveSince)
}

func (s *PostgresStorage) querySessions(ctx context.Context, query string, args ...any) ([]*models.DialogSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying dialog sessions: %v", err)
	}
	defer rows.Close()

	var sessions []*models.DialogSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning dialog session: %v", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *PostgresStorage) MarkFarewellSent(ctx context.Context, clientID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dialog_sessions SET farewell_sent_at = $2 WHERE client_id = $1 AND farewell_sent_at IS NULL`,
		clientID, at)
	if err != nil {
		return fmt.Errorf("error marking farewell sent: %v", err)
	}
	return nil
}

func (s *PostgresStorage) CloseSession(ctx context.Context, clientID string, at time.Time) error {
	// Guarded by status so a concurrent reopen from the pipeline wins.
	_, err := s.db.ExecContext(ctx,
		`UPDATE dialog_sessions SET status = 'closed', closed_at = $2 WHERE client_id = $1 AND status = 'open'`,
		clientID, at)
	if err != nil {
		return fmt.Errorf("error closing dialog session: %v", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
