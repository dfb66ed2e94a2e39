package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
)

type gptVerdict struct {
	Scenario   string  `json:"scenario"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type GPTClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

func NewGPTClassifier(apiKey, baseURL, model string, maxTokens int, temperature float64, timeout time.Duration, logger *zap.Logger) *GPTClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &GPTClassifier{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		logger:      logger,
	}
}

func systemPrompt() string {
	labels := make([]string, 0, len(models.AllScenarios))
	for _, s := range models.AllScenarios {
		labels = append(labels, string(s))
	}

	return fmt.Sprintf(`You are a customer support message classifier.
Classify the client's latest message into exactly one of these scenarios:
%s

Use UNKNOWN when no other scenario fits.

Return only a JSON object with this structure:
{"scenario": "...", "confidence": 0.0-1.0, "reasoning": "short explanation"}`,
		strings.Join(labels, ", "))
}

func (c *GPTClassifier) Classify(ctx context.Context, text string, history []HistoryEntry) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt(),
		},
	}

	// Recent history gives the oracle conversational context; the last entry
	// appended is always the message being classified.
	for _, entry := range history {
		role := openai.ChatMessageRoleUser
		if entry.Role == "bot" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		c.logger.Error("Failed to get classification from oracle", zap.Error(err))
		return nil, fmt.Errorf("classification request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classification request: empty completion")
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var verdict gptVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		c.logger.Error("Failed to parse oracle response",
			zap.Error(err),
			zap.String("response", raw))
		return nil, fmt.Errorf("classification response parse: %w", err)
	}

	scenario := models.Scenario(strings.ToUpper(strings.TrimSpace(verdict.Scenario)))
	if !models.ValidScenario(scenario) {
		c.logger.Warn("Oracle returned scenario outside taxonomy",
			zap.String("scenario", verdict.Scenario))
		scenario = models.ScenarioUnknown
	}

	confidence := verdict.Confidence
	if confidence < 0 || confidence > 1 {
		// Contract violation: clamp rather than persist garbage.
		c.logger.Warn("Oracle confidence outside [0,1], clamping",
			zap.Float64("confidence", confidence))
		confidence = clamp(confidence)
	}

	return &Result{
		Scenario:   scenario,
		Confidence: confidence,
		Reasoning:  verdict.Reasoning,
		Model:      c.model,
	}, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
