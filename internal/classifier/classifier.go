package classifier

import (
	"context"

	"github.com/xaenox/support-bot/internal/models"
)

// HistoryEntry is one prior exchange handed to the oracle as context.
type HistoryEntry struct {
	Role    string // "client" or "bot"
	Content string
}

// Result is a verdict from the scenario oracle. Confidence is always inside
// [0,1] by the time it leaves this package.
type Result struct {
	Scenario   models.Scenario
	Confidence float64
	Reasoning  string
	Model      string
}

// Classifier assigns a scenario label to normalized message text. A non-nil
// error means the oracle could not be consulted (timeout, transport, contract
// violation); callers must fall back, never abort the pipeline.
type Classifier interface {
	Classify(ctx context.Context, text string, history []HistoryEntry) (*Result, error)
}
