package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"app/internal/model"
)

// GenerationRequest is one text-generation call. MaxOutputTokens is the hard
// ceiling reserved against the user's quota; the provider must not exceed it.
type GenerationRequest struct {
	Model           string
	System          string
	History         []model.ChatTurn
	Question        string
	Attachments     []providerAttachment
	MaxOutputTokens int64
}

type providerAttachment struct {
	Kind     string
	Filename string
	DataURL  string
}

// ProviderUsage is the measured cost of a completed call. When the provider
// breaks input/output down into text vs. attachment tokens, HasTextBreakdown
// is true and the text counts are populated; otherwise only totals are valid.
type ProviderUsage struct {
	InputTokens      int64
	OutputTokens     int64
	InputTextTokens  int64
	OutputTextTokens int64
	HasTextBreakdown bool
}

// GenerationResult is the provider's reply plus its measured usage.
type GenerationResult struct {
	Text  string
	Usage ProviderUsage
}

// ImageGenerationRequest is one image-generation call.
type ImageGenerationRequest struct {
	Model  string
	Prompt string
	Size   string
}

// ImageGenerationResult carries the hosted image URL.
type ImageGenerationResult struct {
	URL           string
	RevisedPrompt string
}

// InferenceProvider is the boundary to the external model provider.
type InferenceProvider interface {
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
	GenerateImage(ctx context.Context, req *ImageGenerationRequest) (*ImageGenerationResult, error)
}

type openAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenAIProvider creates an InferenceProvider backed by the OpenAI
// Responses and Images APIs.
func NewOpenAIProvider(baseURL, apiKey string) InferenceProvider {
	return &openAIProvider{
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesMessage struct {
	Role    string                 `json:"role"`
	Content []responsesContentPart `json:"content"`
}

type tokenDetails struct {
	TextTokens *int64 `json:"text_tokens"`
}

// Different API versions have used input_token_details vs
// input_tokens_details; accept both.
type responsesUsage struct {
	InputTokens         int64         `json:"input_tokens"`
	OutputTokens        int64         `json:"output_tokens"`
	InputTokenDetails   *tokenDetails `json:"input_token_details"`
	InputTokensDetails  *tokenDetails `json:"input_tokens_details"`
	OutputTokenDetails  *tokenDetails `json:"output_token_details"`
	OutputTokensDetails *tokenDetails `json:"output_tokens_details"`
}

type responsesResponse struct {
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	OutputText string         `json:"output_text"`
	Usage      responsesUsage `json:"usage"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openAIProvider) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	input := []responsesMessage{
		{Role: "system", Content: []responsesContentPart{{Type: "input_text", Text: req.System}}},
	}
	for _, turn := range req.History {
		input = append(input, responsesMessage{
			Role:    turn.Role,
			Content: []responsesContentPart{{Type: "input_text", Text: turn.Content}},
		})
	}

	userContent := make([]responsesContentPart, 0, len(req.Attachments)+1)
	for _, a := range req.Attachments {
		switch a.Kind {
		case "pdf":
			userContent = append(userContent, responsesContentPart{
				Type:     "input_file",
				Filename: a.Filename,
				FileData: a.DataURL,
			})
		case "image":
			userContent = append(userContent, responsesContentPart{
				Type:     "input_image",
				ImageURL: a.DataURL,
			})
		}
	}
	userContent = append(userContent, responsesContentPart{Type: "input_text", Text: req.Question})
	input = append(input, responsesMessage{Role: "user", Content: userContent})

	body := map[string]interface{}{
		"model":             req.Model,
		"input":             input,
		"max_output_tokens": req.MaxOutputTokens,
		"temperature":       0.7,
	}

	var parsed responsesResponse
	if err := p.post(ctx, "/responses", body, &parsed); err != nil {
		return nil, err
	}

	text := parsed.OutputText
	for _, out := range parsed.Output {
		for _, c := range out.Content {
			if c.Type == "output_text" && c.Text != "" {
				text = c.Text
			}
		}
	}
	if text == "" {
		text = "No response generated."
	}

	usage := ProviderUsage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	inDet := firstDetails(parsed.Usage.InputTokenDetails, parsed.Usage.InputTokensDetails)
	outDet := firstDetails(parsed.Usage.OutputTokenDetails, parsed.Usage.OutputTokensDetails)
	if inDet != nil || outDet != nil {
		usage.HasTextBreakdown = true
		if inDet != nil {
			usage.InputTextTokens = *inDet
		}
		if outDet != nil {
			usage.OutputTextTokens = *outDet
		}
	}

	return &GenerationResult{Text: text, Usage: usage}, nil
}

func firstDetails(details ...*tokenDetails) *int64 {
	for _, d := range details {
		if d != nil && d.TextTokens != nil {
			return d.TextTokens
		}
	}
	return nil
}

type imagesResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openAIProvider) GenerateImage(ctx context.Context, req *ImageGenerationRequest) (*ImageGenerationResult, error) {
	body := map[string]interface{}{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"size":            req.Size,
		"response_format": "url",
	}
	if req.Model == "dall-e-3" {
		body["quality"] = "standard"
	}

	var parsed imagesResponse
	if err := p.post(ctx, "/images/generations", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
		return nil, fmt.Errorf("image generated but no URL returned")
	}
	return &ImageGenerationResult{
		URL:           parsed.Data[0].URL,
		RevisedPrompt: parsed.Data[0].RevisedPrompt,
	}, nil
}

func (p *openAIProvider) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return fmt.Errorf("provider request failed: %s", errResp.Error.Message)
		}
		return fmt.Errorf("provider request failed: HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
