package responder

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
)

type fakeTemplates struct {
	templates map[string]string
	err       error
}

func (f *fakeTemplates) GetTemplate(ctx context.Context, scenario string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.templates[scenario], nil
}

func reason(r models.EscalationReason) *models.EscalationReason { return &r }

func TestResolveTemplatedScenario(t *testing.T) {
	r := NewResolver(&fakeTemplates{templates: map[string]string{
		"GREETING": "Здравствуйте! Чем можем помочь?",
	}}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{
		Scenario:                models.ScenarioGreeting,
		ClassificationSucceeded: true,
	})

	if got.Text != "Здравствуйте! Чем можем помочь?" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Type != models.MessageTypeBotAuto {
		t.Errorf("type = %q, want bot_auto", got.Type)
	}
}

func TestResolveClassificationFailed(t *testing.T) {
	r := NewResolver(&fakeTemplates{}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{ClassificationSucceeded: false})

	if got.Text == "" {
		t.Fatal("fallback text is empty")
	}
	if got.Type != models.MessageTypeBotAuto {
		t.Errorf("type = %q, want bot_auto", got.Type)
	}
}

func TestResolveEscalated(t *testing.T) {
	r := NewResolver(&fakeTemplates{templates: map[string]string{
		"COMPLAINT": "Очень жаль, что так вышло. Оператор уже разбирается.",
	}}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{
		Scenario:                models.ScenarioComplaint,
		EscalationReason:        reason(models.EscalationComplaint),
		ClassificationSucceeded: true,
	})

	if got.Type != models.MessageTypeBotEscalated {
		t.Errorf("type = %q, want bot_escalated", got.Type)
	}
	if got.Text != "Очень жаль, что так вышло. Оператор уже разбирается." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestResolveEscalatedWithoutTemplate(t *testing.T) {
	r := NewResolver(&fakeTemplates{}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{
		Scenario:                models.ScenarioScheduleChange,
		EscalationReason:        reason(models.EscalationLowConfidence),
		ClassificationSucceeded: true,
	})

	if got.Text == "" {
		t.Fatal("escalation holding text is empty")
	}
	if got.Type != models.MessageTypeBotEscalated {
		t.Errorf("type = %q, want bot_escalated", got.Type)
	}
}

func TestResolveMissingTemplateFallsBack(t *testing.T) {
	r := NewResolver(&fakeTemplates{err: errors.New("template store down")}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{
		Scenario:                models.ScenarioReviewBonus,
		ClassificationSucceeded: true,
	})

	if got.Text == "" {
		t.Fatal("default text is empty")
	}
	if got.Type != models.MessageTypeBotAuto {
		t.Errorf("type = %q, want bot_auto", got.Type)
	}
}

func TestResolveEmptyContent(t *testing.T) {
	r := NewResolver(&fakeTemplates{}, zap.NewNop())

	got := r.Resolve(context.Background(), Input{EmptyContent: true})

	if got.Text == "" {
		t.Fatal("clarification text is empty")
	}
	if got.Type != models.MessageTypeBotAuto {
		t.Errorf("type = %q, want bot_auto", got.Type)
	}
}
