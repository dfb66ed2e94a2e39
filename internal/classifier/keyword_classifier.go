package classifier

import (
	"context"
	"strings"

	"github.com/xaenox/support-bot/internal/models"
)

// KeywordClassifier is an offline oracle for development and tests. It scans
// for scenario keywords in priority order and reports a fixed confidence per
// match quality. Deliberately deterministic.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

type keywordRule struct {
	scenario models.Scenario
	keywords []string
}

// Rule order matters: more specific scenarios are checked before generic ones.
var keywordRules = []keywordRule{
	{models.ScenarioComplaint, []string{"жалоба", "безобразие", "верните деньги", "complaint", "refund"}},
	{models.ScenarioScheduleChange, []string{"перенести", "перенос", "другое время", "reschedule"}},
	{models.ScenarioAbsenceRequest, []string{"не придем", "пропустим", "заболел", "absence", "will miss"}},
	{models.ScenarioMissingTrainer, []string{"преподаватель не пришел", "тренер не пришел", "trainer missing"}},
	{models.ScenarioReferral, []string{"реферал", "пригласить друга", "referral", "invite a friend"}},
	{models.ScenarioTechSupportBasic, []string{"не работает", "ошибка", "не могу войти", "not working", "error", "can't log in"}},
	{models.ScenarioReviewBonus, []string{"отзыв", "бонус за отзыв", "review bonus"}},
	{models.ScenarioFarewell, []string{"до свидания", "пока", "спасибо, все", "goodbye", "bye"}},
	{models.ScenarioGreeting, []string{"привет", "здравствуйте", "добрый день", "добрый вечер", "hello", "hi "}},
}

func (c *KeywordClassifier) Classify(ctx context.Context, text string, history []HistoryEntry) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return &Result{
					Scenario:   rule.scenario,
					Confidence: 0.9,
					Reasoning:  "matched keyword: " + kw,
					Model:      "keyword",
				}, nil
			}
		}
	}

	return &Result{
		Scenario:   models.ScenarioUnknown,
		Confidence: 0.3,
		Reasoning:  "no keyword matched",
		Model:      "keyword",
	}, nil
}
