package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/model"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type AIHandler struct {
	aiService service.AIService
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewAIHandler(aiService service.AIService, validate *validator.Validate, logger zerolog.Logger) *AIHandler {
	return &AIHandler{
		aiService: aiService,
		validate:  validate,
		logger:    logger,
	}
}

func (h *AIHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /ai", authMw(http.HandlerFunc(h.handleAI)))
}

func (h *AIHandler) handleAI(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}

	var req dto.AIRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Action == "image" {
		h.handleImage(w, r, userID, &req)
		return
	}
	h.handleChat(w, r, userID, &req)
}

func (h *AIHandler) handleChat(w http.ResponseWriter, r *http.Request, userID string, req *dto.AIRequestDTO) {
	question := strings.TrimSpace(req.Question)
	topic := strings.TrimSpace(req.Topic)
	switch {
	case question == "" && topic == "":
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	case question == "":
		// A bare topic is a valid question on its own.
		question = topic
	case topic != "":
		question = fmt.Sprintf("Topic: %s\n\n%s", topic, question)
	}

	history := make([]model.ChatTurn, len(req.History))
	for i, turn := range req.History {
		history[i] = model.ChatTurn{Role: turn.Role, Content: turn.Content}
	}
	attachments := make([]model.Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		attachments[i] = model.Attachment{
			Kind:     a.Kind,
			Filename: a.Filename,
			Mime:     a.Mime,
			Base64:   a.Base64,
		}
	}

	result, err := h.aiService.Chat(r.Context(), userID, &model.ChatRequest{
		Question:    question,
		History:     history,
		Attachments: attachments,
		Model:       req.Model,
		Timezone:    req.Timezone,
	})
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	var remaining interface{} = result.RemainingTokens
	if result.RemainingTokens == model.UnlimitedTokens {
		remaining = "Unlimited"
	}

	resp := dto.AIChatResponseDTO{
		Reply: result.Reply,
		Model: result.Model,
		Usage: dto.TokenUsageDTO{
			InputTokens:              result.Usage.CountedInput,
			OutputTokens:             result.Usage.CountedOutput,
			RawInputTokens:           result.Usage.RawInput,
			RawOutputTokens:          result.Usage.RawOutput,
			AttachmentTokensExcluded: result.Usage.AttachmentTokensExcluded,
		},
		RemainingTokens: remaining,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *AIHandler) handleImage(w http.ResponseWriter, r *http.Request, userID string, req *dto.AIRequestDTO) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(req.Question)
	}
	if prompt == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	result, err := h.aiService.GenerateImage(r.Context(), userID, &model.ImageRequest{
		Prompt:   prompt,
		Model:    req.Model,
		Timezone: req.Timezone,
	})
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	resp := dto.AIImageResponseDTO{
		URL:           result.URL,
		RevisedPrompt: result.RevisedPrompt,
		Model:         result.Model,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeAIError maps service errors to the HTTP surface: entitlement gaps are
// 403, exhausted budgets 429, malformed input 400, provider failures 502.
func (h *AIHandler) writeAIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrModelNotEntitled):
		http.Error(w, "Your plan does not include this model", http.StatusForbidden)
	case errors.Is(err, service.ErrAttachmentsNotAllowed):
		http.Error(w, "Attachments require a paid plan", http.StatusForbidden)
	case errors.Is(err, service.ErrQuotaExhausted):
		http.Error(w, "Quota exhausted for this period", http.StatusTooManyRequests)
	case errors.Is(err, service.ErrBadAttachment):
		http.Error(w, "Bad attachment: "+err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidImageModel):
		http.Error(w, "Invalid image model", http.StatusBadRequest)
	case errors.Is(err, service.ErrUpstream):
		http.Error(w, "Upstream provider failure", http.StatusBadGateway)
	default:
		http.Error(w, "Failed to process AI request: "+err.Error(), http.StatusInternalServerError)
	}
}
