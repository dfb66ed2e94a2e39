package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/classifier"
	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/ratelimit"
	"github.com/xaenox/support-bot/internal/storage"
	"github.com/xaenox/support-bot/internal/webhook"
)

type stubClassifier struct {
	result *classifier.Result
	err    error
	calls  int32
}

func (s *stubClassifier) Classify(ctx context.Context, text string, history []classifier.HistoryEntry) (*classifier.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testConfig() Config {
	return Config{
		DedupWindow:          5 * time.Second,
		HistoryDepth:         10,
		FailureWindow:        2 * time.Hour,
		RepeatedFailureCount: 2,
		ConfidenceThreshold:  0.85,
	}
}

func newTestPipeline(t *testing.T, store storage.Storage, oracle classifier.Classifier, cfg Config) *Pipeline {
	t.Helper()
	logger := zap.NewNop()
	sender := webhook.NewSender(time.Second, 1, time.Millisecond, logger)
	return New(store, ratelimit.NopLimiter{}, oracle, sender, cfg, logger)
}

func TestProcessSuccess(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{
		Scenario:   models.ScenarioGreeting,
		Confidence: 0.95,
		Model:      "test",
	}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "Привет!"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if res.Classification == nil || res.Classification.Scenario != models.ScenarioGreeting {
		t.Fatalf("classification = %+v", res.Classification)
	}
	if res.Inbound.EscalationReason != nil {
		t.Errorf("unexpected escalation: %v", *res.Inbound.EscalationReason)
	}
	if res.Response == nil || res.Response.Content == "" {
		t.Fatalf("response missing: %+v", res.Response)
	}
	if res.Response.RelatedMessageID == nil || *res.Response.RelatedMessageID != res.Inbound.ID {
		t.Errorf("response not linked to inbound message")
	}
	if !res.Inbound.IsFirstMessage {
		t.Errorf("first message of a client not marked as such")
	}
}

func TestProcessEscalatesLowConfidence(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{
		Scenario:   models.ScenarioComplaint,
		Confidence: 0.40,
		Model:      "test",
	}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "все сломалось"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusEscalated {
		t.Fatalf("status = %q, want %q", res.Status, StatusEscalated)
	}
	if res.Inbound.EscalationReason == nil || *res.Inbound.EscalationReason != models.EscalationLowConfidence {
		t.Fatalf("reason = %v, want low_confidence", res.Inbound.EscalationReason)
	}
	if res.Response.Type != models.MessageTypeBotEscalated {
		t.Errorf("response type = %q, want bot_escalated", res.Response.Type)
	}

	session, err := store.GetSession(context.Background(), "c1")
	if err != nil || session == nil {
		t.Fatalf("session lookup: %v, %v", session, err)
	}
	if session.Status != models.DialogEscalated {
		t.Errorf("session status = %q, want escalated", session.Status)
	}
}

func TestProcessClassifierFailureFallsBack(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{err: errors.New("oracle down")}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "помогите"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusFallback {
		t.Fatalf("status = %q, want %q", res.Status, StatusFallback)
	}
	if res.Classification != nil {
		t.Errorf("classification persisted on failure: %+v", res.Classification)
	}
	if res.Inbound.EscalationReason == nil || *res.Inbound.EscalationReason != models.EscalationSystemError {
		t.Fatalf("reason = %v, want system_error", res.Inbound.EscalationReason)
	}
	if res.Response.Type != models.MessageTypeBotAuto {
		t.Errorf("response type = %q, want bot_auto", res.Response.Type)
	}

	// The message itself must have survived the failure.
	msgs, err := store.MessagesByClient(context.Background(), "c1", 10)
	if err != nil || len(msgs) == 0 {
		t.Fatalf("inbound message not persisted: %v", err)
	}
}

func TestProcessEmptyContent(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{Scenario: models.ScenarioGreeting, Confidence: 0.9}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "   \n\t "})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusFallback {
		t.Fatalf("status = %q, want %q", res.Status, StatusFallback)
	}
	if got := atomic.LoadInt32(&oracle.calls); got != 0 {
		t.Errorf("classifier called %d times for empty content", got)
	}
	if res.Response.Type != models.MessageTypeBotAuto {
		t.Errorf("response type = %q, want bot_auto", res.Response.Type)
	}
}

func TestProcessIdempotencyKeyReplay(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{
		Scenario:   models.ScenarioGreeting,
		Confidence: 0.95,
		Model:      "test",
	}}
	p := newTestPipeline(t, store, oracle, testConfig())

	req := Request{ClientID: "c1", Content: "Привет!", IdempotencyKey: "key-1"}
	first, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}

	second, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("status = %q, want %q", second.Status, StatusDuplicate)
	}
	if second.Inbound.ID != first.Inbound.ID {
		t.Errorf("replay returned a different message: %s vs %s", second.Inbound.ID, first.Inbound.ID)
	}
	if second.Response.Content != first.Response.Content {
		t.Errorf("replayed response differs: %q vs %q", second.Response.Content, first.Response.Content)
	}
	if got := atomic.LoadInt32(&oracle.calls); got != 1 {
		t.Errorf("classifier called %d times, want 1", got)
	}
}

func TestProcessContentDuplicateWithinWindow(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{
		Scenario:   models.ScenarioGreeting,
		Confidence: 0.95,
	}}
	p := newTestPipeline(t, store, oracle, testConfig())

	req := Request{ClientID: "c1", Content: "Привет!"}
	if _, err := p.Process(context.Background(), req); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("status = %q, want %q", second.Status, StatusDuplicate)
	}
}

func TestProcessRateLimited(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{Scenario: models.ScenarioGreeting, Confidence: 0.95}}
	logger := zap.NewNop()
	sender := webhook.NewSender(time.Second, 1, time.Millisecond, logger)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Limits{
		ClientPerMinute: 1,
		GlobalPerMinute: 100,
		GlobalPerHour:   1000,
	})
	p := New(store, limiter, oracle, sender, testConfig(), logger)

	if _, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "раз"}); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	_, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "два"})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// A rejected message leaves no trace.
	msgs, err := store.MessagesByClient(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("MessagesByClient: %v", err)
	}
	for _, m := range msgs {
		if m.Content == "два" {
			t.Errorf("rate-limited message was persisted")
		}
	}
}

func TestProcessRepeatedFailuresEscalate(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{
		Scenario:   models.ScenarioTechSupportBasic,
		Confidence: 0.55,
	}}
	cfg := testConfig()
	p := newTestPipeline(t, store, oracle, cfg)

	for _, content := range []string{"не работает вход", "все еще не работает"} {
		if _, err := p.Process(context.Background(), Request{ClientID: "c1", Content: content}); err != nil {
			t.Fatalf("Process(%q): %v", content, err)
		}
	}

	// Two unresolved low-confidence exchanges accumulated; even a confident
	// verdict on the next message must now hand the dialog to an operator.
	oracle.result = &classifier.Result{Scenario: models.ScenarioTechSupportBasic, Confidence: 0.95}
	last, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "опять ошибка"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if last.Inbound.EscalationReason == nil {
		t.Fatal("expected escalation after repeated low-confidence exchanges")
	}
	if *last.Inbound.EscalationReason != models.EscalationRepeatedFailed {
		t.Errorf("reason = %q, want repeated_failed", *last.Inbound.EscalationReason)
	}
	if last.Inbound.Priority != models.PriorityCritical {
		t.Errorf("priority = %q, want critical", last.Inbound.Priority)
	}
}

func TestProcessWebhookDelivery(t *testing.T) {
	var gotPlatform, gotChat string
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		gotPlatform = r.Header.Get("X-Platform")
		gotChat = r.Header.Get("X-Chat-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{Scenario: models.ScenarioGreeting, Confidence: 0.95}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{
		ClientID:   "c1",
		Content:    "Привет!",
		WebhookURL: srv.URL,
		Platform:   "telegram",
		ChatID:     "12345",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Webhook == nil || !res.Webhook.Success {
		t.Fatalf("webhook result = %+v, want success", res.Webhook)
	}
	if atomic.LoadInt32(&delivered) != 1 {
		t.Errorf("delivered %d times, want 1", delivered)
	}
	if gotPlatform != "telegram" || gotChat != "12345" {
		t.Errorf("routing headers = %q/%q", gotPlatform, gotChat)
	}
}

func TestProcessWebhookFailureDoesNotFailRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{Scenario: models.ScenarioGreeting, Confidence: 0.95}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{
		ClientID:   "c1",
		Content:    "Привет!",
		WebhookURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if res.Webhook == nil || res.Webhook.Success {
		t.Fatalf("webhook result = %+v, want failure recorded", res.Webhook)
	}

	// Records stay committed regardless of delivery outcome.
	msgs, err := store.MessagesByClient(context.Background(), "c1", 10)
	if err != nil || len(msgs) < 2 {
		t.Fatalf("messages not persisted: %d, %v", len(msgs), err)
	}
}

func TestProcessNoWebhookConfigured(t *testing.T) {
	store := storage.NewMemoryStorage()
	oracle := &stubClassifier{result: &classifier.Result{Scenario: models.ScenarioGreeting, Confidence: 0.95}}
	p := newTestPipeline(t, store, oracle, testConfig())

	res, err := p.Process(context.Background(), Request{ClientID: "c1", Content: "Привет!"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Webhook != nil {
		t.Errorf("webhook result present without a configured URL: %+v", res.Webhook)
	}
}
