package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/support-bot/internal/models"
)

// MemoryStorage mirrors the Postgres semantics in process memory: same
// idempotency-key uniqueness, same session reopen rules. Single-instance only.
type MemoryStorage struct {
	mu              sync.Mutex
	messages        map[string]*models.Message
	classifications map[string]*models.Classification // keyed by message ID
	sessions        map[string]*models.DialogSession
	feedback        map[string]*models.OperatorFeedback
	templates       map[string]string
	now             func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:        make(map[string]*models.Message),
		classifications: make(map[string]*models.Classification),
		sessions:        make(map[string]*models.DialogSession),
		feedback:        make(map[string]*models.OperatorFeedback),
		templates:       defaultTemplates(),
		now:             time.Now,
	}
}

// defaultTemplates keeps the in-memory mode usable without seeding; the texts
// match the migrations.sql seeds.
func defaultTemplates() map[string]string {
	return map[string]string{
		"GREETING":           "Здравствуйте! 👋 Рады вас видеть. Чем можем помочь?",
		"FAREWELL":           "Спасибо за обращение! Если появятся вопросы — пишите, мы на связи.",
		"REFERRAL":           "По реферальной программе: пригласите друга по вашей персональной ссылке и получите бонус после его первого занятия.",
		"TECH_SUPPORT_BASIC": "Попробуйте, пожалуйста, обновить страницу и войти заново. Если не поможет — пришлите скриншот ошибки, и мы разберемся.",
		"REMINDER":           "Напоминаем о вашем занятии. Если время неудобно, сообщите нам заранее.",
		"ABSENCE_REQUEST":    "Принято! Отметим пропуск занятия. Выздоравливайте и возвращайтесь скорее.",
		"SCHEDULE_CHANGE":    "Передал запрос на перенос занятия менеджеру — он свяжется с вами для подбора нового времени.",
		"COMPLAINT":          "Очень жаль, что у вас остался неприятный опыт. Передал обращение старшему оператору, он свяжется с вами в ближайшее время.",
		"MISSING_TRAINER":    "Проверяем, что случилось с преподавателем, и сразу вернемся с ответом. Извините за ожидание!",
		"MASS_OUTAGE":        "Мы знаем о технических неполадках и уже чиним. Занятия будут восстановлены в ближайшее время.",
		"REVIEW_BONUS":       "Спасибо, что хотите оставить отзыв! После публикации пришлите ссылку, и мы начислим бонус.",
		"CROSS_EXTENSION":    "Передал ваш вопрос о продлении менеджеру — он подготовит варианты и свяжется с вами.",
	}
}

// SetTemplate overrides a template (test hook; the Postgres seed plays this
// role in production).
func (s *MemoryStorage) SetTemplate(scenario, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[scenario] = text
}

func (s *MemoryStorage) GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.messages {
		if msg.IdempotencyKey != nil && *msg.IdempotencyKey == key {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) FindRecentDuplicate(ctx context.Context, clientID, content string, window time.Duration) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	var latest *models.Message
	for _, msg := range s.messages {
		if msg.ClientID != clientID || msg.Content != content || msg.Type != models.MessageTypeUser {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			latest = msg
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStorage) GetResponseToMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *models.Message
	for _, msg := range s.messages {
		if msg.RelatedMessageID == nil || *msg.RelatedMessageID != messageID {
			continue
		}
		if earliest == nil || msg.CreatedAt.Before(earliest.CreatedAt) {
			earliest = msg
		}
	}
	if earliest == nil {
		return nil, nil
	}
	copied := *earliest
	return &copied, nil
}

func (s *MemoryStorage) GetClassificationByMessage(ctx context.Context, messageID string) (*models.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cls, ok := s.classifications[messageID]; ok {
		copied := *cls
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, clientID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Message
	for _, msg := range s.messages {
		if msg.ClientID == clientID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) MessagesByClient(ctx context.Context, clientID string, limit int) ([]*models.Message, error) {
	return s.RecentMessages(ctx, clientID, limit)
}

func (s *MemoryStorage) CountRecentLowConfidence(ctx context.Context, clientID string, threshold float64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for messageID, cls := range s.classifications {
		msg, ok := s.messages[messageID]
		if !ok || msg.ClientID != clientID {
			continue
		}
		if cls.Confidence < threshold && !cls.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) SaveProcessed(ctx context.Context, rec *ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	clientID := rec.Inbound.ClientID

	if rec.Inbound.IdempotencyKey != nil {
		for _, msg := range s.messages {
			if msg.IdempotencyKey != nil && *msg.IdempotencyKey == *rec.Inbound.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}

	priorUser := false
	for _, msg := range s.messages {
		if msg.ClientID == clientID && msg.Type == models.MessageTypeUser {
			priorUser = true
			break
		}
	}
	rec.Inbound.IsFirstMessage = !priorUser

	session, ok := s.sessions[clientID]
	if !ok {
		session = &models.DialogSession{ClientID: clientID, Status: models.DialogOpen}
		s.sessions[clientID] = session
	}
	if session.Status == models.DialogClosed {
		session.Status = models.DialogOpen
		session.ClosedAt = nil
		session.FarewellSentAt = nil
	}
	session.LastActivityAt = now
	if rec.Routing.Platform != "" {
		session.Platform = rec.Routing.Platform
	}
	if rec.Routing.WebhookURL != "" {
		session.WebhookURL = rec.Routing.WebhookURL
	}
	if rec.Routing.ChatID != "" {
		session.ChatID = rec.Routing.ChatID
	}

	rec.Inbound.CreatedAt = now
	inbound := *rec.Inbound
	s.messages[inbound.ID] = &inbound

	if rec.Classification != nil {
		rec.Classification.CreatedAt = now
		cls := *rec.Classification
		s.classifications[cls.MessageID] = &cls
	}

	// Response rows sort after the inbound message they answer.
	rec.Response.CreatedAt = now.Add(time.Millisecond)
	response := *rec.Response
	s.messages[response.ID] = &response

	if rec.EscalateSession {
		session.Status = models.DialogEscalated
	}
	return nil
}

func (s *MemoryStorage) ClassificationsByClient(ctx context.Context, clientID string, limit int) ([]*models.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Classification
	for messageID, cls := range s.classifications {
		msg, ok := s.messages[messageID]
		if !ok || msg.ClientID != clientID {
			continue
		}
		copied := *cls
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) GetTemplate(ctx context.Context, scenario string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[scenario], nil
}

func (s *MemoryStorage) SaveFeedback(ctx context.Context, fb *models.OperatorFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb.CreatedAt = s.now()
	copied := *fb
	s.feedback[fb.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, clientID string) (*models.DialogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[clientID]; ok {
		copied := *session
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SessionsNeedingFarewell(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DialogSession
	for _, session := range s.sessions {
		if session.Status == models.DialogOpen && session.FarewellSentAt == nil && !session.LastActivityAt.After(inactiveSince) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStorage) SessionsToClose(ctx context.Context, inactiveSince time.Time) ([]*models.DialogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DialogSession
	for _, session := range s.sessions {
		if session.Status == models.DialogOpen && !session.LastActivityAt.After(inactiveSince) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStorage) MarkFarewellSent(ctx context.Context, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[clientID]; ok && session.FarewellSentAt == nil {
		session.FarewellSentAt = &at
	}
	return nil
}

func (s *MemoryStorage) CloseSession(ctx context.Context, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[clientID]; ok && session.Status == models.DialogOpen {
		session.Status = models.DialogClosed
		session.ClosedAt = &at
	}
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
