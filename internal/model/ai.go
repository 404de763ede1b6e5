package model

// ChatTurn is one prior message in the conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment is a client-supplied file input for a chat request.
// Kind is "pdf" or "image"; payload is base64 with an explicit mime type.
type Attachment struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Base64   string `json:"base64"`
}

// ChatRequest is a tutoring question routed through the quota engine.
type ChatRequest struct {
	Question    string
	History     []ChatTurn
	Attachments []Attachment
	Model       string
	Timezone    string
}

// TokenUsageReport is the settled cost of a chat request. Counted values are
// what was charged against the quota; raw values are the provider's totals.
// AttachmentTokensExcluded reports whether the provider supplied a text-only
// breakdown, letting attachment cost be excluded from the charge.
type TokenUsageReport struct {
	CountedInput             int64 `json:"counted_input_tokens"`
	CountedOutput            int64 `json:"counted_output_tokens"`
	RawInput                 int64 `json:"raw_input_tokens"`
	RawOutput                int64 `json:"raw_output_tokens"`
	AttachmentTokensExcluded bool  `json:"attachment_tokens_excluded"`
}

// UnlimitedTokens is the remaining-quota sentinel for unlimited roles.
const UnlimitedTokens int64 = -1

// ChatResult is the outcome of a successful chat request.
type ChatResult struct {
	Reply           string
	Model           string
	Usage           TokenUsageReport
	RemainingTokens int64 // UnlimitedTokens for unlimited roles
}

// ImageRequest is an image-generation request.
type ImageRequest struct {
	Prompt   string
	Model    string
	Timezone string
}

// ImageResult is the outcome of a successful image generation.
type ImageResult struct {
	URL           string
	RevisedPrompt string
	Model         string
	Size          string
}
