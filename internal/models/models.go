package models

import "time"

// Scenario is the closed classification taxonomy assigned by the AI oracle.
type Scenario string

const (
	ScenarioGreeting         Scenario = "GREETING"
	ScenarioReferral         Scenario = "REFERRAL"
	ScenarioTechSupportBasic Scenario = "TECH_SUPPORT_BASIC"
	ScenarioFarewell         Scenario = "FAREWELL"
	ScenarioReminder         Scenario = "REMINDER"
	ScenarioAbsenceRequest   Scenario = "ABSENCE_REQUEST"
	ScenarioScheduleChange   Scenario = "SCHEDULE_CHANGE"
	ScenarioComplaint        Scenario = "COMPLAINT"
	ScenarioMissingTrainer   Scenario = "MISSING_TRAINER"
	ScenarioMassOutage       Scenario = "MASS_OUTAGE"
	ScenarioReviewBonus      Scenario = "REVIEW_BONUS"
	ScenarioCrossExtension   Scenario = "CROSS_EXTENSION"
	ScenarioUnknown          Scenario = "UNKNOWN"
)

// AllScenarios lists every valid scenario label, in prompt order.
var AllScenarios = []Scenario{
	ScenarioGreeting,
	ScenarioReferral,
	ScenarioTechSupportBasic,
	ScenarioFarewell,
	ScenarioReminder,
	ScenarioAbsenceRequest,
	ScenarioScheduleChange,
	ScenarioComplaint,
	ScenarioMissingTrainer,
	ScenarioMassOutage,
	ScenarioReviewBonus,
	ScenarioCrossExtension,
	ScenarioUnknown,
}

// ValidScenario reports whether s is part of the closed taxonomy.
func ValidScenario(s Scenario) bool {
	for _, known := range AllScenarios {
		if s == known {
			return true
		}
	}
	return false
}

type MessageType string

const (
	MessageTypeUser         MessageType = "user"
	MessageTypeBotAuto      MessageType = "bot_auto"
	MessageTypeBotEscalated MessageType = "bot_escalated"
	MessageTypeOperator     MessageType = "operator"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var prioritySeverity = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// MaxPriority returns the higher-severity of the two priorities.
func MaxPriority(a, b Priority) Priority {
	if prioritySeverity[a] >= prioritySeverity[b] {
		return a
	}
	return b
}

type EscalationReason string

const (
	EscalationLowConfidence   EscalationReason = "low_confidence"
	EscalationUnknownScenario EscalationReason = "unknown_scenario"
	EscalationRepeatedFailed  EscalationReason = "repeated_failed"
	EscalationComplaint       EscalationReason = "complaint"
	EscalationOperatorMarked  EscalationReason = "operator_marked"
	EscalationSystemError     EscalationReason = "system_error"
)

type DialogStatus string

const (
	DialogOpen      DialogStatus = "open"
	DialogClosed    DialogStatus = "closed"
	DialogEscalated DialogStatus = "escalated"
)

// Message is one inbound or outbound unit of conversation. Rows are
// insert-only: the audit trail is never mutated or deleted.
type Message struct {
	ID               string            `json:"id"`
	ClientID         string            `json:"client_id"`
	Content          string            `json:"content"`
	Type             MessageType       `json:"message_type"`
	IsFirstMessage   bool              `json:"is_first_message"`
	Priority         Priority          `json:"priority"`
	EscalationReason *EscalationReason `json:"escalation_reason,omitempty"`
	// RelatedMessageID links a bot response to the inbound message it answers.
	RelatedMessageID *string   `json:"related_message_id,omitempty"`
	IdempotencyKey   *string   `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Classification is the AI verdict for one inbound message. Absent when the
// classifier failed and the fallback path answered instead.
type Classification struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	Scenario   Scenario  `json:"detected_scenario"`
	Confidence float64   `json:"confidence"`
	AIModel    string    `json:"ai_model"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DialogSession is the aggregate state of one client's conversation. The
// pipeline and the auto-close scheduler share these rows, so status
// transitions may happen concurrently from either side.
type DialogSession struct {
	ClientID       string       `json:"client_id"`
	Status         DialogStatus `json:"status"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	FarewellSentAt *time.Time   `json:"farewell_sent_at,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	WebhookURL     string       `json:"webhook_url,omitempty"`
	ChatID         string       `json:"chat_id,omitempty"`
}

// OperatorFeedback is a human correction of a classification. Consumed by
// offline analytics only, never by the real-time pipeline.
type OperatorFeedback struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"message_id"`
	ClassificationID  *string   `json:"classification_id,omitempty"`
	OperatorID        string    `json:"operator_id"`
	FeedbackType      string    `json:"feedback_type"`
	SuggestedScenario *Scenario `json:"suggested_scenario,omitempty"`
	Comment           string    `json:"comment,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
