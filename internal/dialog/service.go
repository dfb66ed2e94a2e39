package dialog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/storage"
	"github.com/xaenox/support-bot/internal/webhook"
)

const farewellFallback = "Рады были помочь! Если появятся вопросы — пишите, мы на связи."

type Config struct {
	FarewellAfter     time.Duration
	CloseAfter        time.Duration
	ScanInterval      time.Duration
	DefaultWebhookURL string
}

// Service closes idle dialogs in the background: a farewell after
// FarewellAfter of silence, a close after CloseAfter. Any client message
// in between reopens the session and resets both clocks; the pipeline owns
// that transition, so a session picked up here may already be active again
// by the time we touch it. CloseSession tolerates losing that race.
type Service struct {
	store  storage.Storage
	sender *webhook.Sender
	cfg    Config
	logger *zap.Logger
}

func NewService(store storage.Storage, sender *webhook.Sender, cfg Config, logger *zap.Logger) *Service {
	return &Service{store: store, sender: sender, cfg: cfg, logger: logger}
}

// Run blocks until ctx is canceled, scanning on every tick.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.logger.Info("Dialog auto-close scheduler started",
		zap.Duration("farewell_after", s.cfg.FarewellAfter),
		zap.Duration("close_after", s.cfg.CloseAfter),
		zap.Duration("scan_interval", s.cfg.ScanInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dialog auto-close scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: farewells first, then closes. Exported so tests can
// drive it without the ticker.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now()
	s.sendFarewells(ctx, now)
	s.closeSessions(ctx, now)
}

func (s *Service) sendFarewells(ctx context.Context, now time.Time) {
	sessions, err := s.store.SessionsNeedingFarewell(ctx, now.Add(-s.cfg.FarewellAfter))
	if err != nil {
		s.logger.Error("Farewell candidate scan failed", zap.Error(err))
		return
	}

	for _, session := range sessions {
		text, err := s.store.GetTemplate(ctx, string(models.ScenarioFarewell))
		if err != nil || text == "" {
			text = farewellFallback
		}

		url := session.WebhookURL
		if url == "" {
			url = s.cfg.DefaultWebhookURL
		}
		if url != "" {
			res := s.sender.Send(ctx, url, webhook.Payload{
				ClientID:     session.ClientID,
				ResponseText: text,
				MessageID:    uuid.NewString(),
				Source:       "ai_bot",
			}, webhook.Routing{Platform: session.Platform, ChatID: session.ChatID})
			if !res.Success {
				s.logger.Warn("Farewell delivery failed",
					zap.String("client_id", session.ClientID),
					zap.String("error", res.Error))
			}
		}

		// Marked sent even when delivery failed: one farewell per idle
		// period, not one per scan.
		if err := s.store.MarkFarewellSent(ctx, session.ClientID, now); err != nil {
			s.logger.Error("MarkFarewellSent failed",
				zap.String("client_id", session.ClientID), zap.Error(err))
			continue
		}
		s.logger.Info("Farewell sent", zap.String("client_id", session.ClientID))
	}
}

func (s *Service) closeSessions(ctx context.Context, now time.Time) {
	sessions, err := s.store.SessionsToClose(ctx, now.Add(-s.cfg.CloseAfter))
	if err != nil {
		s.logger.Error("Close candidate scan failed", zap.Error(err))
		return
	}

	for _, session := range sessions {
		if err := s.store.CloseSession(ctx, session.ClientID, now); err != nil {
			s.logger.Error("CloseSession failed",
				zap.String("client_id", session.ClientID), zap.Error(err))
			continue
		}
		s.logger.Info("Dialog closed", zap.String("client_id", session.ClientID))
	}
}
