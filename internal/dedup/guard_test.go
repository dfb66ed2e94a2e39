package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/storage"
)

func seed(t *testing.T, store *storage.MemoryStorage, id, content string, key *string) {
	t.Helper()
	related := id
	err := store.SaveProcessed(context.Background(), &storage.ProcessedRecord{
		Inbound: &models.Message{
			ID:             id,
			ClientID:       "c1",
			Content:        content,
			Type:           models.MessageTypeUser,
			Priority:       models.PriorityLow,
			IdempotencyKey: key,
		},
		Response: &models.Message{
			ID:               id + "-resp",
			ClientID:         "c1",
			Content:          "ответ",
			Type:             models.MessageTypeBotAuto,
			Priority:         models.PriorityLow,
			RelatedMessageID: &related,
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCheckByIdempotencyKey(t *testing.T) {
	store := storage.NewMemoryStorage()
	key := "key-1"
	seed(t, store, "m1", "привет", &key)

	guard := NewGuard(store, 5*time.Second)

	// Key match wins even when the content differs.
	got, err := guard.Check(context.Background(), "c1", "другой текст", "key-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.ID != "m1" {
		t.Fatalf("got = %+v, want m1", got)
	}

	got, err = guard.Check(context.Background(), "c1", "привет", "key-2")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != nil {
		t.Errorf("unseen key matched: %+v", got)
	}
}

func TestCheckByContentWindow(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, "m1", "привет", nil)

	guard := NewGuard(store, 5*time.Second)

	got, err := guard.Check(context.Background(), "c1", "привет", "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.ID != "m1" {
		t.Fatalf("got = %+v, want m1", got)
	}

	if got, _ := guard.Check(context.Background(), "c1", "пока", ""); got != nil {
		t.Errorf("different content matched: %+v", got)
	}
	if got, _ := guard.Check(context.Background(), "c2", "привет", ""); got != nil {
		t.Errorf("different client matched: %+v", got)
	}
}
