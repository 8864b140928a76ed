package backends

import (
	"context"
	"net/http"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/generation"
)

const openAIAPIURL = "https://api.openai.com/v1"

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	Settings
	client *http.Client
}

// NewOpenAI creates an OpenAI backend. An empty BaseURL uses the public endpoint.
func NewOpenAI(s Settings, client *http.Client) *OpenAI {
	if s.BaseURL == "" {
		s.BaseURL = openAIAPIURL
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if client == nil {
		client = NewHTTPClient()
	}
	return &OpenAI{Settings: s, client: client}
}

// Name returns the configured backend name.
func (o *OpenAI) Name() string { return o.Settings.Name }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	N           int             `json:"n,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Generate implements generation.Backend.
func (o *OpenAI) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	if o.APIKey == "" {
		return nil, missingKey(o.Name(), o.APIKeyEnv)
	}
	req = o.tune(req)

	messages := make([]openaiMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: req.Prompt})

	body := openaiRequest{
		Model:       o.Model,
		Messages:    messages,
		N:           req.Candidates,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	var resp openaiResponse
	if err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/chat/completions", headers, body, &resp); err != nil {
		return nil, err
	}

	docs := make([]string, 0, len(resp.Choices))
	filtered := 0
	for _, c := range resp.Choices {
		if c.FinishReason == "content_filter" {
			filtered++
			continue
		}
		if doc := strings.TrimSpace(c.Message.Content); doc != "" {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 && filtered > 0 {
		return nil, generation.Permanent(o.Name(), "response blocked by content filter", nil)
	}

	model := o.Model
	if resp.Model != "" {
		model = resp.Model
	}
	return &generation.Response{Documents: docs, Model: model}, nil
}
