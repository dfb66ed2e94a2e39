package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/classifier"
	"github.com/xaenox/support-bot/internal/dedup"
	"github.com/xaenox/support-bot/internal/escalation"
	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/normalizer"
	"github.com/xaenox/support-bot/internal/ratelimit"
	"github.com/xaenox/support-bot/internal/responder"
	"github.com/xaenox/support-bot/internal/storage"
	"github.com/xaenox/support-bot/internal/webhook"
)

// lowConfidenceFailure is the confidence below which a classification counts
// as an unresolved exchange when tallying repeated failures for a client.
const lowConfidenceFailure = 0.70

type Status string

const (
	StatusSuccess   Status = "success"
	StatusEscalated Status = "escalated"
	StatusFallback  Status = "fallback"
	StatusDuplicate Status = "duplicate"
)

// Request is one inbound message with its routing metadata.
type Request struct {
	ClientID       string
	Content        string
	IdempotencyKey string
	WebhookURL     string
	Platform       string
	ChatID         string
	HasMedia       bool
}

// Result is the complete pipeline outcome for one request. Every branch
// produces a fully-formed Result; no partial state escapes this package.
type Result struct {
	Status         Status
	Inbound        *models.Message
	Classification *models.Classification
	Response       *models.Message
	Webhook        *webhook.Result
}

type Config struct {
	DedupWindow          time.Duration
	HistoryDepth         int
	FailureWindow        time.Duration
	RepeatedFailureCount int
	ConfidenceThreshold  float64
	DefaultWebhookURL    string
}

type Pipeline struct {
	store    storage.Storage
	guard    *dedup.Guard
	limiter  ratelimit.Limiter
	oracle   classifier.Classifier
	engine   *escalation.Engine
	resolver *responder.Resolver
	sender   *webhook.Sender
	cfg      Config
	logger   *zap.Logger
}

func New(
	store storage.Storage,
	limiter ratelimit.Limiter,
	oracle classifier.Classifier,
	sender *webhook.Sender,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:    store,
		guard:    dedup.NewGuard(store, cfg.DedupWindow),
		limiter:  limiter,
		oracle:   oracle,
		engine:   escalation.NewEngine(cfg.ConfidenceThreshold, cfg.RepeatedFailureCount),
		resolver: responder.NewResolver(store, logger),
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process runs one message through the full intake-classification-escalation
// flow. Returned errors are caller-visible failures only: ratelimit.
// ErrRateLimited or a storage fault. Classifier and webhook failures degrade
// into the Result instead.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	normalized := normalizer.Normalize(req.Content)

	// Duplicate guard runs before the rate limiter so client retries of an
	// already-processed message replay the original result instead of
	// burning budget.
	original, err := p.guard.Check(ctx, req.ClientID, normalized, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if original != nil {
		p.logger.Warn("Duplicate message detected",
			zap.String("client_id", req.ClientID),
			zap.String("original_message_id", original.ID))
		return p.duplicateResult(ctx, original)
	}

	if err := p.limiter.Allow(ctx, req.ClientID); err != nil {
		return nil, err
	}

	if normalized == "" {
		return p.emptyContentResult(ctx, req, normalized)
	}

	verdict, classifyErr := p.classify(ctx, req.ClientID, normalized)
	if classifyErr != nil {
		p.logger.Error("Classification failed, taking fallback path",
			zap.Error(classifyErr),
			zap.String("client_id", req.ClientID))
		return p.fallbackResult(ctx, req, normalized)
	}

	repeated, err := p.store.CountRecentLowConfidence(
		ctx, req.ClientID, lowConfidenceFailure, time.Now().Add(-p.cfg.FailureWindow))
	if err != nil {
		// A broken failure counter must not take intake down; the rule it
		// feeds simply will not fire.
		p.logger.Warn("Repeated-failure lookup failed", zap.Error(err))
		repeated = 0
	}

	decision := p.engine.Evaluate(escalation.Input{
		Scenario:             verdict.Scenario,
		Confidence:           verdict.Confidence,
		RepeatedFailureCount: repeated,
		HasComplaintSignal:   escalation.HasComplaintMarkers(normalized),
		HasMedia:             req.HasMedia,
	})

	reply := p.resolver.Resolve(ctx, responder.Input{
		Scenario:                verdict.Scenario,
		EscalationReason:        decision.Reason,
		ClassificationSucceeded: true,
	})

	inbound := newInboundMessage(req, normalized)
	inbound.Priority = decision.Priority
	inbound.EscalationReason = decision.Reason

	cls := &models.Classification{
		ID:         uuid.NewString(),
		MessageID:  inbound.ID,
		Scenario:   verdict.Scenario,
		Confidence: verdict.Confidence,
		AIModel:    verdict.Model,
		Reasoning:  verdict.Reasoning,
	}

	response := newResponseMessage(inbound, reply)

	rec := &storage.ProcessedRecord{
		Inbound:         inbound,
		Classification:  cls,
		Response:        response,
		Routing:         routing(req),
		EscalateSession: decision.Escalated(),
	}
	if res, err := p.persist(ctx, rec, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	status := StatusSuccess
	if decision.Escalated() {
		status = StatusEscalated
	}

	result := &Result{
		Status:         status,
		Inbound:        inbound,
		Classification: cls,
		Response:       response,
	}
	result.Webhook = p.deliver(ctx, req, inbound, response, cls)
	return result, nil
}

func (p *Pipeline) classify(ctx context.Context, clientID, normalized string) (*classifier.Result, error) {
	history, err := p.store.RecentMessages(ctx, clientID, p.cfg.HistoryDepth)
	if err != nil {
		p.logger.Warn("History lookup failed, classifying without context", zap.Error(err))
		history = nil
	}

	// RecentMessages is newest-first; the oracle wants chronological order.
	entries := make([]classifier.HistoryEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		role := "client"
		if history[i].Type != models.MessageTypeUser {
			role = "bot"
		}
		entries = append(entries, classifier.HistoryEntry{Role: role, Content: history[i].Content})
	}

	return p.oracle.Classify(ctx, normalized, entries)
}

// emptyContentResult handles messages that normalized to nothing: still
// persisted, still answered (with a clarification prompt), never classified.
func (p *Pipeline) emptyContentResult(ctx context.Context, req Request, normalized string) (*Result, error) {
	reply := p.resolver.Resolve(ctx, responder.Input{EmptyContent: true})

	inbound := newInboundMessage(req, normalized)
	inbound.Priority = models.PriorityLow

	response := newResponseMessage(inbound, reply)

	rec := &storage.ProcessedRecord{
		Inbound:  inbound,
		Response: response,
		Routing:  routing(req),
	}
	if res, err := p.persist(ctx, rec, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	result := &Result{Status: StatusFallback, Inbound: inbound, Response: response}
	result.Webhook = p.deliver(ctx, req, inbound, response, nil)
	return result, nil
}

// fallbackResult is the classifier-failure path: the message is persisted
// without a classification row, escalation and priority stay at safe
// defaults, and the client still gets a holding reply.
func (p *Pipeline) fallbackResult(ctx context.Context, req Request, normalized string) (*Result, error) {
	reply := p.resolver.Resolve(ctx, responder.Input{ClassificationSucceeded: false})

	systemError := models.EscalationSystemError
	inbound := newInboundMessage(req, normalized)
	inbound.Priority = models.PriorityLow
	inbound.EscalationReason = &systemError

	response := newResponseMessage(inbound, reply)

	rec := &storage.ProcessedRecord{
		Inbound:  inbound,
		Response: response,
		Routing:  routing(req),
	}
	if res, err := p.persist(ctx, rec, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	result := &Result{Status: StatusFallback, Inbound: inbound, Response: response}
	result.Webhook = p.deliver(ctx, req, inbound, response, nil)
	return result, nil
}

// persist commits the record; when the storage-level idempotency constraint
// fires, the race loser replays the winner's result. Exactly one of the
// returns is non-nil unless both are nil (carry on).
func (p *Pipeline) persist(ctx context.Context, rec *storage.ProcessedRecord, idempotencyKey string) (*Result, error) {
	err := p.store.SaveProcessed(ctx, rec)
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, storage.ErrDuplicateIdempotencyKey) && idempotencyKey != "" {
		original, lookupErr := p.store.GetMessageByIdempotencyKey(ctx, idempotencyKey)
		if lookupErr == nil && original != nil {
			return p.duplicateResult(ctx, original)
		}
	}
	return nil, fmt.Errorf("persist message: %w", err)
}

// duplicateResult replays the outcome of the originally-accepted submission.
func (p *Pipeline) duplicateResult(ctx context.Context, original *models.Message) (*Result, error) {
	response, err := p.store.GetResponseToMessage(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("duplicate response lookup: %w", err)
	}
	cls, err := p.store.GetClassificationByMessage(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("duplicate classification lookup: %w", err)
	}

	return &Result{
		Status:         StatusDuplicate,
		Inbound:        original,
		Classification: cls,
		Response:       response,
	}, nil
}

// deliver sends the reply to the caller's webhook. Best effort: the records
// are already committed and stay committed whatever happens here.
func (p *Pipeline) deliver(ctx context.Context, req Request, inbound, response *models.Message, cls *models.Classification) *webhook.Result {
	url := req.WebhookURL
	if url == "" {
		if session, err := p.store.GetSession(ctx, req.ClientID); err == nil && session != nil {
			url = session.WebhookURL
		}
	}
	if url == "" {
		url = p.cfg.DefaultWebhookURL
	}
	if url == "" {
		return nil
	}

	payload := webhook.Payload{
		ClientID:     req.ClientID,
		ResponseText: response.Content,
		MessageID:    response.ID,
		Source:       "ai_bot",
	}
	if cls != nil {
		payload.Classification = &webhook.Classification{
			Scenario:   string(cls.Scenario),
			Confidence: cls.Confidence,
		}
	}

	res := p.sender.Send(ctx, url, payload, webhook.Routing{Platform: req.Platform, ChatID: req.ChatID})
	return &res
}

func newInboundMessage(req Request, normalized string) *models.Message {
	msg := &models.Message{
		ID:       uuid.NewString(),
		ClientID: req.ClientID,
		Content:  normalized,
		Type:     models.MessageTypeUser,
		Priority: models.PriorityLow,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		msg.IdempotencyKey = &key
	}
	return msg
}

func newResponseMessage(inbound *models.Message, reply responder.Response) *models.Message {
	related := inbound.ID
	return &models.Message{
		ID:               uuid.NewString(),
		ClientID:         inbound.ClientID,
		Content:          reply.Text,
		Type:             reply.Type,
		Priority:         inbound.Priority,
		EscalationReason: inbound.EscalationReason,
		RelatedMessageID: &related,
	}
}

func routing(req Request) storage.SessionRouting {
	return storage.SessionRouting{
		Platform:   req.Platform,
		WebhookURL: req.WebhookURL,
		ChatID:     req.ChatID,
	}
}
