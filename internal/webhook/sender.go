package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Payload is the outbound webhook body delivered to the caller's platform.
type Payload struct {
	ClientID       string          `json:"client_id"`
	ResponseText   string          `json:"response_text"`
	MessageID      string          `json:"message_id"`
	Classification *Classification `json:"classification"`
	Source         string          `json:"source"`
}

type Classification struct {
	Scenario   string  `json:"scenario"`
	Confidence float64 `json:"confidence"`
}

// Result reports the delivery outcome. Delivery is best-effort notification:
// callers surface the result but never roll back committed records on failure.
type Result struct {
	Success    bool
	StatusCode int
	Error      string
	Attempts   int
}

// Routing is per-delivery platform metadata, forwarded as headers so the
// receiving adapter can address the right chat.
type Routing struct {
	Platform string
	ChatID   string
}

type Sender struct {
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	logger      *zap.Logger
}

func NewSender(timeout time.Duration, maxAttempts int, backoffBase time.Duration, logger *zap.Logger) *Sender {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Sender{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// Send delivers the payload to webhookURL. Transient failures (timeouts,
// network errors, 429, 5xx) are retried with exponential backoff up to the
// attempt cap; other 4xx are permanent and reported immediately. The ctx
// deadline is the hard ceiling regardless of remaining attempts.
func (s *Sender) Send(ctx context.Context, webhookURL string, payload Payload, routing Routing) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
	}

	var last Result
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		last = s.post(ctx, webhookURL, body, routing)
		last.Attempts = attempt

		if last.Success || !retryable(last) {
			return last
		}

		s.logger.Warn("Webhook delivery failed, will retry",
			zap.String("url", webhookURL),
			zap.Int("attempt", attempt),
			zap.Int("status", last.StatusCode),
			zap.String("error", last.Error))

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			last.Error = fmt.Sprintf("delivery cancelled: %v", ctx.Err())
			return last
		case <-time.After(s.backoffBase * time.Duration(1<<(attempt-1))):
		}
	}

	s.logger.Error("Webhook delivery exhausted retries",
		zap.String("url", webhookURL),
		zap.Int("attempts", last.Attempts),
		zap.String("error", last.Error))
	return last
}

func (s *Sender) post(ctx context.Context, webhookURL string, body []byte, routing Routing) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if routing.Platform != "" {
		req.Header.Set("X-Platform", routing.Platform)
	}
	if routing.ChatID != "" {
		req.Header.Set("X-Chat-ID", routing.ChatID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Success: false, StatusCode: 0, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// Platforms acknowledge with 200 or 201; a 204-returning endpoint will be
	// reported as a failed delivery.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return Result{Success: true, StatusCode: resp.StatusCode}
	}
	return Result{
		Success:    false,
		StatusCode: resp.StatusCode,
		Error:      fmt.Sprintf("platform returned %d", resp.StatusCode),
	}
}

// retryable classifies a failed attempt. Network-level errors and timeouts
// are transient; HTTP-wise only 429 and 5xx warrant another try.
func retryable(r Result) bool {
	if r.StatusCode == 0 {
		return true // transport error or timeout
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}
