package escalation

import (
	"strings"

	"github.com/xaenox/support-bot/internal/models"
)

// Input carries every signal the engine decides on. All of it is collected by
// the caller; the engine itself touches no storage and no clock.
type Input struct {
	Scenario             models.Scenario
	Confidence           float64
	RepeatedFailureCount int
	HasComplaintSignal   bool
	HasMedia             bool
}

type Result struct {
	Priority models.Priority
	Reason   *models.EscalationReason
}

// Escalated reports whether the message must be routed to a human operator.
func (r Result) Escalated() bool { return r.Reason != nil }

// defaultPriority is the per-scenario priority table applied when no
// escalation rule fires. Scenarios absent from the table default to low.
var defaultPriority = map[models.Scenario]models.Priority{
	models.ScenarioReferral:         models.PriorityMedium,
	models.ScenarioTechSupportBasic: models.PriorityMedium,
	models.ScenarioScheduleChange:   models.PriorityMedium,
	models.ScenarioMissingTrainer:   models.PriorityMedium,
	models.ScenarioMassOutage:       models.PriorityHigh,
	models.ScenarioCrossExtension:   models.PriorityMedium,
}

// reviewScenarios are scenarios where attached media means a human has to
// look: screenshots of broken lessons, payment receipts and the like.
var reviewScenarios = map[models.Scenario]bool{
	models.ScenarioTechSupportBasic: true,
	models.ScenarioComplaint:        true,
	models.ScenarioMissingTrainer:   true,
	models.ScenarioMassOutage:       true,
}

// complaintMarkers is the lexical complaint signal checked alongside the
// COMPLAINT scenario label.
var complaintMarkers = []string{
	"жалоба", "жаловаться", "безобразие", "ужасно", "верните деньги", "возврат",
	"complaint", "refund", "terrible", "unacceptable", "scam",
}

// HasComplaintMarkers reports whether normalized text carries an explicit
// complaint phrase. Used by the pipeline to feed Input.HasComplaintSignal.
func HasComplaintMarkers(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range complaintMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type Engine struct {
	confidenceThreshold  float64
	repeatedFailureLimit int
}

func NewEngine(confidenceThreshold float64, repeatedFailureLimit int) *Engine {
	return &Engine{
		confidenceThreshold:  confidenceThreshold,
		repeatedFailureLimit: repeatedFailureLimit,
	}
}

// Evaluate applies the escalation rules in a fixed order; the first matching
// rule supplies the escalation reason. The order is observable behavior: a
// low-confidence COMPLAINT reports low_confidence, not complaint. Priorities
// never resolve below the rule's floor or the scenario's default.
func (e *Engine) Evaluate(in Input) Result {
	floor := defaultPriority[in.Scenario]
	if floor == "" {
		floor = models.PriorityLow
	}

	if in.Confidence < e.confidenceThreshold {
		return escalate(models.EscalationLowConfidence, models.MaxPriority(models.PriorityHigh, floor))
	}
	if in.Scenario == models.ScenarioUnknown {
		return escalate(models.EscalationUnknownScenario, models.MaxPriority(models.PriorityHigh, floor))
	}
	if in.RepeatedFailureCount >= e.repeatedFailureLimit {
		return escalate(models.EscalationRepeatedFailed, models.PriorityCritical)
	}
	if in.HasComplaintSignal || in.Scenario == models.ScenarioComplaint {
		return escalate(models.EscalationComplaint, models.MaxPriority(models.PriorityHigh, floor))
	}
	if in.HasMedia && reviewScenarios[in.Scenario] {
		return escalate(models.EscalationOperatorMarked, models.MaxPriority(models.PriorityMedium, floor))
	}

	return Result{Priority: floor}
}

func escalate(reason models.EscalationReason, priority models.Priority) Result {
	return Result{Priority: priority, Reason: &reason}
}
