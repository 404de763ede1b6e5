package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

const (
	maxHistoryTurns    = 12
	maxTurnChars       = 6000
	maxAttachmentChars = 18_000_000 // base64 length, roughly 13.5MB decoded
	imageSize          = "1024x1024"
)

const tutorSystemPrompt = "You are a professional GCSE tutor. " +
	"Give clear, exam-style answers. " +
	"No markdown symbols. No LaTeX. " +
	"Write chemical formulas using Unicode subscripts like CO₂. " +
	"Keep answers concise unless user asks for detailed."

var detailedPromptRe = regexp.MustCompile(`(?i)(^|\b)(detailed|in detail|step[- ]by[- ]step|full marks)(\b|$)`)

var mimeRe = regexp.MustCompile(`^[a-z0-9]+/[a-z0-9.+-]+$`)

// AIService is the quota reservation engine: it gates chat and image
// requests on the user's plan, reserves estimated cost before the provider
// call, and reconciles or rolls back afterwards.
type AIService interface {
	Chat(ctx context.Context, userID string, req *model.ChatRequest) (*model.ChatResult, error)
	GenerateImage(ctx context.Context, userID string, req *model.ImageRequest) (*model.ImageResult, error)
}

// AIConfig carries the plan tables and output caps. Passing them at
// construction keeps the engine free of package-level state and testable in
// isolation.
type AIConfig struct {
	Plans             PlanTable
	ImageLimits       ImageLimitTable
	OutputCapDefault  int64
	OutputCapDetailed int64
}

type aiService struct {
	cfg       AIConfig
	usageRepo repository.UsageRepository
	entSvc    EntitlementService
	provider  InferenceProvider
	estimator TokenEstimator
	logger    zerolog.Logger
}

// NewAIService creates a new AIService with a scoped logger.
func NewAIService(
	cfg AIConfig,
	usageRepo repository.UsageRepository,
	entSvc EntitlementService,
	provider InferenceProvider,
	estimator TokenEstimator,
	logger zerolog.Logger,
) AIService {
	return &aiService{
		cfg:       cfg,
		usageRepo: usageRepo,
		entSvc:    entSvc,
		provider:  provider,
		estimator: estimator,
		logger:    logger.With().Str("service", "AIService").Logger(),
	}
}

// reservation is the provisional charge taken before the provider call.
type reservation struct {
	period    model.QuotaPeriod
	periodKey string
	modelID   string
	input     int64
	output    int64
}

func (s *aiService) Chat(ctx context.Context, userID string, req *model.ChatRequest) (*model.ChatResult, error) {
	role, tz, err := s.entSvc.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving entitlement: %w", err)
	}
	if req.Timezone != "" {
		tz = strings.TrimSpace(req.Timezone)
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = DefaultChatModel(role)
	}
	if !s.cfg.Plans.AllowedChatModels(role)[modelID] {
		return nil, ErrModelNotEntitled
	}

	if len(req.Attachments) > 0 && role == model.TierFree {
		return nil, ErrAttachmentsNotAllowed
	}
	attachments, err := sanitizeAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	history := sanitizeHistory(req.History)

	outputCap := s.cfg.OutputCapDefault
	if detailedPromptRe.MatchString(req.Question) {
		outputCap = s.cfg.OutputCapDetailed
	}
	estimatedInput := s.estimator.EstimateInput(req.Question, history)

	plan := s.cfg.Plans.Plan(role)
	unlimited := plan.Period == model.PeriodNone

	var res *reservation
	if !unlimited {
		res, outputCap, err = s.reserve(ctx, userID, tz, modelID, plan, estimatedInput, outputCap)
		if err != nil {
			return nil, err
		}
	}

	genReq := &GenerationRequest{
		Model:           modelID,
		System:          tutorSystemPrompt,
		History:         history,
		Question:        req.Question,
		Attachments:     attachments,
		MaxOutputTokens: outputCap,
	}
	genRes, err := s.provider.Generate(ctx, genReq)
	if err != nil {
		// Rollback must run on every post-reservation failure so the user's
		// budget is restored; its own failure is logged, never surfaced.
		if res != nil {
			s.rollback(ctx, userID, res)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	report := settleUsage(genRes.Usage, len(attachments) > 0)
	if res != nil {
		s.reconcile(ctx, userID, res, report)
	}

	remaining := model.UnlimitedTokens
	if !unlimited {
		remaining, err = s.remaining(ctx, userID, res, plan)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read remaining quota")
			remaining = 0
		}
	}

	return &model.ChatResult{
		Reply:           genRes.Text,
		Model:           modelID,
		Usage:           report,
		RemainingTokens: remaining,
	}, nil
}

// reserve runs the atomic reservation, degrading to the smaller output cap
// once before giving up.
func (s *aiService) reserve(ctx context.Context, userID, tz, modelID string, plan QuotaPlan, estimatedInput, outputCap int64) (*reservation, int64, error) {
	limit := plan.Models[modelID]
	key := periodKey(plan.Period, tz, time.Now())

	_, allowed, err := s.usageRepo.ReserveTokens(ctx, plan.Period, userID, key, modelID, estimatedInput, outputCap, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("reserving quota: %w", err)
	}
	if !allowed && outputCap == s.cfg.OutputCapDetailed {
		outputCap = s.cfg.OutputCapDefault
		_, allowed, err = s.usageRepo.ReserveTokens(ctx, plan.Period, userID, key, modelID, estimatedInput, outputCap, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("reserving quota: %w", err)
		}
	}
	if !allowed {
		if limit <= 0 {
			return nil, 0, ErrModelNotEntitled
		}
		return nil, 0, ErrQuotaExhausted
	}

	return &reservation{
		period:    plan.Period,
		periodKey: key,
		modelID:   modelID,
		input:     estimatedInput,
		output:    outputCap,
	}, outputCap, nil
}

// settleUsage picks the counted token figures: when attachments were sent
// and the provider broke out text tokens, attachment cost is excluded;
// otherwise totals are charged, which is the conservative choice.
func settleUsage(usage ProviderUsage, hasAttachments bool) model.TokenUsageReport {
	excluded := hasAttachments && usage.HasTextBreakdown
	report := model.TokenUsageReport{
		RawInput:                 usage.InputTokens,
		RawOutput:                usage.OutputTokens,
		AttachmentTokensExcluded: excluded,
	}
	if excluded {
		report.CountedInput = usage.InputTextTokens
		report.CountedOutput = usage.OutputTextTokens
	} else {
		report.CountedInput = usage.InputTokens
		report.CountedOutput = usage.OutputTokens
	}
	return report
}

// reconcile charges the difference between actual and reserved cost. The
// adjustment is best-effort; the cap enforced at reservation time is what
// bounds spend, so a failure here is logged and the request still succeeds.
func (s *aiService) reconcile(ctx context.Context, userID string, res *reservation, report model.TokenUsageReport) {
	deltaInput := report.CountedInput - res.input
	deltaOutput := report.CountedOutput - res.output
	if deltaInput == 0 && deltaOutput == 0 {
		return
	}
	if err := s.usageRepo.AdjustTokens(ctx, res.period, userID, res.periodKey, res.modelID, deltaInput, deltaOutput); err != nil {
		s.logger.Error().Err(err).
			Str("user_id", userID).
			Int64("delta_input", deltaInput).
			Int64("delta_output", deltaOutput).
			Msg("Quota reconciliation failed")
	}
}

// rollback refunds the full reservation after a failed provider call.
func (s *aiService) rollback(ctx context.Context, userID string, res *reservation) {
	if err := s.usageRepo.AdjustTokens(ctx, res.period, userID, res.periodKey, res.modelID, -res.input, -res.output); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Quota rollback failed")
	}
}

func (s *aiService) remaining(ctx context.Context, userID string, res *reservation, plan QuotaPlan) (int64, error) {
	usage, err := s.usageRepo.GetTokenUsage(ctx, plan.Period, userID, res.periodKey, res.modelID)
	if err != nil {
		return 0, err
	}
	remaining := plan.Models[res.modelID] - usage.Total()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *aiService) GenerateImage(ctx context.Context, userID string, req *model.ImageRequest) (*model.ImageResult, error) {
	role, tz, err := s.entSvc.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving entitlement: %w", err)
	}
	if req.Timezone != "" {
		tz = strings.TrimSpace(req.Timezone)
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = "dall-e-2"
	}
	limits, ok := s.cfg.ImageLimits[role]
	if !ok {
		limits = s.cfg.ImageLimits[model.TierFree]
	}
	limit, ok := limits[modelID]
	if !ok {
		return nil, ErrInvalidImageModel
	}

	if limit != UnlimitedImages {
		if limit <= 0 {
			return nil, ErrModelNotEntitled
		}
		day := periodKey(model.PeriodDaily, tz, time.Now())
		// Image cost is a fixed quota slot, not a measured quantity, so
		// there is no reconciliation phase.
		_, allowed, err := s.usageRepo.ConsumeImageSlot(ctx, userID, day, modelID, limit)
		if err != nil {
			return nil, fmt.Errorf("consuming image quota: %w", err)
		}
		if !allowed {
			return nil, ErrQuotaExhausted
		}
	}

	imgRes, err := s.provider.GenerateImage(ctx, &ImageGenerationRequest{
		Model:  modelID,
		Prompt: req.Prompt,
		Size:   imageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	return &model.ImageResult{
		URL:           imgRes.URL,
		RevisedPrompt: imgRes.RevisedPrompt,
		Model:         modelID,
		Size:          imageSize,
	}, nil
}

func sanitizeHistory(history []model.ChatTurn) []model.ChatTurn {
	kept := make([]model.ChatTurn, 0, len(history))
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		content := turn.Content
		if len(content) > maxTurnChars {
			content = content[:maxTurnChars]
		}
		kept = append(kept, model.ChatTurn{Role: turn.Role, Content: content})
	}
	if len(kept) > maxHistoryTurns {
		kept = kept[len(kept)-maxHistoryTurns:]
	}
	return kept
}

func sanitizeAttachments(attachments []model.Attachment) ([]providerAttachment, error) {
	out := make([]providerAttachment, 0, len(attachments))
	for _, a := range attachments {
		kind := strings.ToLower(strings.TrimSpace(a.Kind))
		mime := strings.ToLower(strings.TrimSpace(a.Mime))
		filename := strings.TrimSpace(a.Filename)

		switch kind {
		case "pdf":
			if mime == "" {
				mime = "application/pdf"
			}
			if filename == "" {
				filename = "document.pdf"
			}
		case "image":
			if mime == "" {
				mime = "image/png"
			}
			if filename == "" {
				filename = "image.png"
			}
		default:
			return nil, fmt.Errorf("%w: kind must be 'pdf' or 'image'", ErrBadAttachment)
		}

		dataURL, err := base64DataURL(mime, a.Base64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadAttachment, err)
		}
		out = append(out, providerAttachment{Kind: kind, Filename: filename, DataURL: dataURL})
	}
	return out, nil
}

func base64DataURL(mime, b64 string) (string, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return "", fmt.Errorf("empty payload")
	}
	if !mimeRe.MatchString(mime) {
		return "", fmt.Errorf("invalid mime type %q", mime)
	}
	if len(b64) > maxAttachmentChars {
		return "", fmt.Errorf("payload too large")
	}
	return "data:" + mime + ";base64," + b64, nil
}
