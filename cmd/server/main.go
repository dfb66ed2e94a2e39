package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/classifier"
	"github.com/xaenox/support-bot/internal/dialog"
	"github.com/xaenox/support-bot/internal/pipeline"
	"github.com/xaenox/support-bot/internal/ratelimit"
	"github.com/xaenox/support-bot/internal/server"
	"github.com/xaenox/support-bot/internal/storage"
	"github.com/xaenox/support-bot/internal/webhook"
	"github.com/xaenox/support-bot/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize rate limiter
	var limiter ratelimit.Limiter = ratelimit.NopLimiter{}
	if cfg.RateLimit.Enabled {
		limits := ratelimit.Limits{
			ClientPerMinute: cfg.RateLimit.ClientPerMinute,
			GlobalPerMinute: cfg.RateLimit.GlobalPerMinute,
			GlobalPerHour:   cfg.RateLimit.GlobalPerHour,
		}
		if cfg.Redis.UseInMemory {
			logger.Info("Using in-memory rate limiter (single instance only)")
			limiter = ratelimit.NewMemoryLimiter(limits)
		} else {
			limiter, err = ratelimit.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.DB, limits, logger)
			if err != nil {
				logger.Fatal("Failed to connect to redis", zap.Error(err))
			}
		}
	}
	defer limiter.Close()

	// Initialize classifier
	var oracle classifier.Classifier
	switch cfg.Classifier.Provider {
	case "keyword":
		logger.Info("Using keyword classifier")
		oracle = classifier.NewKeywordClassifier()
	default:
		oracle = classifier.NewGPTClassifier(
			cfg.OpenAI.APIKey,
			cfg.OpenAI.BaseURL,
			cfg.OpenAI.Model,
			cfg.OpenAI.MaxTokens,
			cfg.OpenAI.Temperature,
			cfg.Classifier.Timeout,
			logger,
		)
	}

	sender := webhook.NewSender(cfg.Webhook.Timeout, cfg.Webhook.MaxAttempts, cfg.Webhook.BackoffBase, logger)

	pipe := pipeline.New(store, limiter, oracle, sender, pipeline.Config{
		DedupWindow:          cfg.Dedup.Window,
		HistoryDepth:         cfg.Classifier.HistoryDepth,
		FailureWindow:        cfg.Escalation.FailureWindow,
		RepeatedFailureCount: cfg.Escalation.RepeatedFailureCount,
		ConfidenceThreshold:  cfg.Escalation.ConfidenceThreshold,
		DefaultWebhookURL:    cfg.Webhook.DefaultURL,
	}, logger)

	router := server.NewRouter(server.NewHandler(pipe, store, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Dialog auto-close loop
	if cfg.Dialog.AutoCloseEnabled {
		svc := dialog.NewService(store, sender, dialog.Config{
			FarewellAfter:     cfg.Dialog.FarewellAfter,
			CloseAfter:        cfg.Dialog.CloseAfter,
			ScanInterval:      cfg.Dialog.ScanInterval,
			DefaultWebhookURL: cfg.Webhook.DefaultURL,
		}, logger)
		go svc.Run(ctx)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
