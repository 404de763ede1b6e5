package dto

// ChatTurnDTO is one prior conversation turn supplied by the client.
type ChatTurnDTO struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// AttachmentDTO is one inline file or image supplied with a question.
type AttachmentDTO struct {
	Kind     string `json:"kind" validate:"required,oneof=pdf image"`
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime" validate:"required"`
	Base64   string `json:"base64" validate:"required"`
}

// AIRequestDTO is the body of POST /v1/ai. Action defaults to "chat"; "image"
// routes to image generation and reads Prompt instead of Question.
type AIRequestDTO struct {
	Action      string          `json:"action,omitempty" validate:"omitempty,oneof=chat image"`
	Question    string          `json:"question,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	History     []ChatTurnDTO   `json:"history,omitempty" validate:"dive"`
	Attachments []AttachmentDTO `json:"attachments,omitempty" validate:"dive"`
	Model       string          `json:"model,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
}

// TokenUsageDTO reports the billed token counts for one reply. Raw counts are
// the provider's totals; AttachmentTokensExcluded tells the caller whether
// attachment cost was excluded from the counted figures or charged in full.
type TokenUsageDTO struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	RawInputTokens           int64 `json:"raw_input_tokens"`
	RawOutputTokens          int64 `json:"raw_output_tokens"`
	AttachmentTokensExcluded bool  `json:"attachment_tokens_excluded"`
}

// AIChatResponseDTO is the success body for a chat action. RemainingTokens is
// a number, or the string "Unlimited" for plans without a token budget.
type AIChatResponseDTO struct {
	Reply           string        `json:"reply"`
	Model           string        `json:"model"`
	Usage           TokenUsageDTO `json:"usage"`
	RemainingTokens interface{}   `json:"remaining_tokens"`
}

// AIImageResponseDTO is the success body for an image action.
type AIImageResponseDTO struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	Model         string `json:"model"`
}
