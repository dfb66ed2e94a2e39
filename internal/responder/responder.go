package responder

import (
	"context"

	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
)

// TemplateStore is the capability the resolver needs from the outside world.
// Lookup is keyed by the scenario's string form so new scenarios can be added
// as template rows without touching this package.
type TemplateStore interface {
	GetTemplate(ctx context.Context, scenario string) (string, error)
}

// Fixed texts used when no template can serve. Kept here, not in the
// database, so the resolver can never come back empty-handed.
const (
	fallbackText = "Спасибо за сообщение! Мы его получили и скоро вернемся с ответом."

	escalatedText = "Передал ваш вопрос оператору — он подключится к диалогу в ближайшее время."

	defaultText = "Спасибо за сообщение! Уточните, пожалуйста, детали вашего вопроса, и мы поможем."

	clarifyText = "Кажется, сообщение пришло пустым. Напишите, пожалуйста, чем мы можем помочь?"
)

// Input describes the final classification/escalation state of one message.
type Input struct {
	Scenario                models.Scenario
	EscalationReason        *models.EscalationReason
	ClassificationSucceeded bool
	// EmptyContent marks the short-circuit for messages that normalized to
	// nothing; it wins over every other branch.
	EmptyContent bool
}

type Response struct {
	Text string
	Type models.MessageType
}

type Resolver struct {
	templates TemplateStore
	logger    *zap.Logger
}

func NewResolver(templates TemplateStore, logger *zap.Logger) *Resolver {
	return &Resolver{templates: templates, logger: logger}
}

// Resolve maps the pipeline's final state to reply text and message type.
// Never returns empty text: a missing template degrades to a scenario-agnostic
// default and logs the gap as a data-quality signal.
func (r *Resolver) Resolve(ctx context.Context, in Input) Response {
	if in.EmptyContent {
		return Response{Text: clarifyText, Type: models.MessageTypeBotAuto}
	}

	if !in.ClassificationSucceeded {
		return Response{Text: fallbackText, Type: models.MessageTypeBotAuto}
	}

	if in.EscalationReason != nil {
		// Escalations still get a holding message so the client is never left
		// without a reply; the scenario template is preferred when present.
		text, err := r.templates.GetTemplate(ctx, string(in.Scenario))
		if err != nil || text == "" {
			text = escalatedText
		}
		return Response{Text: text, Type: models.MessageTypeBotEscalated}
	}

	text, err := r.templates.GetTemplate(ctx, string(in.Scenario))
	if err != nil || text == "" {
		r.logger.Warn("No active template for scenario, using default",
			zap.String("scenario", string(in.Scenario)),
			zap.Error(err))
		text = defaultText
	}
	return Response{Text: text, Type: models.MessageTypeBotAuto}
}
