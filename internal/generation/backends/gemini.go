package backends

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

var geminiHarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Gemini calls the Google generateContent API.
type Gemini struct {
	Settings
	client *http.Client
}

// NewGemini creates a Gemini backend. An empty BaseURL uses the public endpoint.
func NewGemini(s Settings, client *http.Client) *Gemini {
	if s.BaseURL == "" {
		s.BaseURL = geminiAPIURL
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.Model = strings.TrimPrefix(s.Model, "models/")
	if client == nil {
		client = NewHTTPClient()
	}
	return &Gemini{Settings: s, client: client}
}

// Name returns the configured backend name.
func (g *Gemini) Name() string { return g.Settings.Name }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafetySetting   `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount  int     `json:"candidateCount,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// safetyThreshold maps the redaction ceiling onto Gemini's block thresholds.
func safetyThreshold(ceiling entitlements.RedactionCeiling) string {
	switch ceiling {
	case entitlements.RedactionNone:
		return "BLOCK_ONLY_HIGH"
	case entitlements.RedactionStandard:
		return "BLOCK_MEDIUM_AND_ABOVE"
	default:
		return "BLOCK_LOW_AND_ABOVE"
	}
}

// Generate implements generation.Backend.
func (g *Gemini) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	if g.APIKey == "" {
		return nil, missingKey(g.Name(), g.APIKeyEnv)
	}
	req = g.tune(req)

	threshold := safetyThreshold(req.Redaction)
	safety := make([]geminiSafetySetting, 0, len(geminiHarmCategories))
	for _, category := range geminiHarmCategories {
		safety = append(safety, geminiSafetySetting{Category: category, Threshold: threshold})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:  req.Candidates,
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     req.Temperature,
		},
		SafetySettings: safety,
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.BaseURL, url.PathEscape(g.Model))
	headers := map[string]string{"x-goog-api-key": g.APIKey}

	var resp geminiResponse
	if err := postJSON(ctx, g.client, g.Name(), endpoint, headers, body, &resp); err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		log.Warn().Str("backend", g.Name()).Str("block_reason", resp.PromptFeedback.BlockReason).Msg("Gemini blocked the prompt")
		return nil, generation.Permanent(g.Name(), "prompt blocked: "+resp.PromptFeedback.BlockReason, nil)
	}

	docs := make([]string, 0, len(resp.Candidates))
	blocked := 0
	for _, c := range resp.Candidates {
		if c.FinishReason == "SAFETY" || c.FinishReason == "PROHIBITED_CONTENT" {
			blocked++
			continue
		}
		var text strings.Builder
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
		if doc := strings.TrimSpace(text.String()); doc != "" {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 && blocked > 0 {
		return nil, generation.Permanent(g.Name(), "response blocked by safety filters", nil)
	}

	model := g.Model
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return &generation.Response{Documents: docs, Model: model}, nil
}
