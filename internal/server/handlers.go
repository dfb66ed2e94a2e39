package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/support-bot/internal/models"
	"github.com/xaenox/support-bot/internal/pipeline"
	"github.com/xaenox/support-bot/internal/ratelimit"
	"github.com/xaenox/support-bot/internal/storage"
)

type Handler struct {
	pipe   *pipeline.Pipeline
	store  storage.Storage
	logger *zap.Logger
}

func NewHandler(pipe *pipeline.Pipeline, store storage.Storage, logger *zap.Logger) *Handler {
	return &Handler{pipe: pipe, store: store, logger: logger}
}

type messageRequest struct {
	ClientID  string `json:"client_id" binding:"required"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Platform  string `json:"platform"`
	ChatID    string `json:"chat_id"`
	HasMedia  bool   `json:"has_media"`
}

type classificationView struct {
	Scenario   string  `json:"scenario"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type responseView struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Type      string `json:"type"`
}

type webhookView struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

type messageResponse struct {
	Status            string              `json:"status"`
	OriginalMessageID string              `json:"original_message_id"`
	IsFirstMessage    bool                `json:"is_first_message"`
	Priority          string              `json:"priority"`
	EscalationReason  *string             `json:"escalation_reason"`
	Classification    *classificationView `json:"classification"`
	Response          responseView        `json:"response"`
	Webhook           *webhookView        `json:"webhook"`
}

// SubmitMessage is the pipeline's front door: POST /api/messages.
func (h *Handler) SubmitMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.pipe.Process(c.Request.Context(), pipeline.Request{
		ClientID:       req.ClientID,
		Content:        req.Content,
		IdempotencyKey: c.GetHeader("X-Idempotency-Key"),
		WebhookURL:     c.GetHeader("X-Webhook-URL"),
		Platform:       req.Platform,
		ChatID:         req.ChatID,
		HasMedia:       req.HasMedia,
	})
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		h.logger.Error("Message processing failed",
			zap.Error(err),
			zap.String("client_id", req.ClientID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, buildMessageResponse(res))
}

func buildMessageResponse(res *pipeline.Result) messageResponse {
	out := messageResponse{
		Status:            string(res.Status),
		OriginalMessageID: res.Inbound.ID,
		IsFirstMessage:    res.Inbound.IsFirstMessage,
		Priority:          string(res.Inbound.Priority),
	}
	if res.Inbound.EscalationReason != nil {
		reason := string(*res.Inbound.EscalationReason)
		out.EscalationReason = &reason
	}
	if res.Classification != nil {
		out.Classification = &classificationView{
			Scenario:   string(res.Classification.Scenario),
			Confidence: res.Classification.Confidence,
			Reasoning:  res.Classification.Reasoning,
		}
	}
	if res.Response != nil {
		out.Response = responseView{
			MessageID: res.Response.ID,
			Text:      res.Response.Content,
			Type:      string(res.Response.Type),
		}
	}
	if res.Webhook != nil {
		view := &webhookView{Success: res.Webhook.Success}
		if res.Webhook.Error != "" {
			errText := res.Webhook.Error
			view.Error = &errText
		}
		out.Webhook = view
	}
	return out
}

// MessageHistory returns a client's recent messages, newest first.
func (h *Handler) MessageHistory(c *gin.Context) {
	clientID := c.Param("client_id")
	limit := queryLimit(c, 50)

	messages, err := h.store.MessagesByClient(c.Request.Context(), clientID, limit)
	if err != nil {
		h.logger.Error("Message history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_id": clientID,
		"messages":  messages,
		"count":     len(messages),
	})
}

// ClassificationHistory returns a client's recent classification verdicts.
func (h *Handler) ClassificationHistory(c *gin.Context) {
	clientID := c.Param("client_id")
	limit := queryLimit(c, 50)

	classifications, err := h.store.ClassificationsByClient(c.Request.Context(), clientID, limit)
	if err != nil {
		h.logger.Error("Classification history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_id":       clientID,
		"classifications": classifications,
		"count":           len(classifications),
	})
}

type feedbackRequest struct {
	MessageID         string  `json:"message_id" binding:"required"`
	ClassificationID  *string `json:"classification_id"`
	OperatorID        string  `json:"operator_id" binding:"required"`
	FeedbackType      string  `json:"feedback_type" binding:"required"`
	SuggestedScenario *string `json:"suggested_scenario"`
	Comment           string  `json:"comment"`
}

// SubmitFeedback records an operator's correction of a classification.
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	fb := &models.OperatorFeedback{
		ID:               uuid.NewString(),
		MessageID:        req.MessageID,
		ClassificationID: req.ClassificationID,
		OperatorID:       req.OperatorID,
		FeedbackType:     req.FeedbackType,
		Comment:          req.Comment,
	}
	if req.SuggestedScenario != nil {
		scenario := models.Scenario(*req.SuggestedScenario)
		if !models.ValidScenario(scenario) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown suggested_scenario"})
			return
		}
		fb.SuggestedScenario = &scenario
	}

	if err := h.store.SaveFeedback(c.Request.Context(), fb); err != nil {
		h.logger.Error("Feedback save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": fb.ID})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
