package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/generation"
)

// Settings configures an HTTP generation backend.
type Settings struct {
	Name      string
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	// Temperature and MaxOutputTokens fill requests that leave them unset.
	Temperature     float64
	MaxOutputTokens int
}

func (s Settings) tune(req generation.Request) generation.Request {
	if req.Temperature == 0 {
		req.Temperature = s.Temperature
	}
	if req.MaxOutputTokens == 0 {
		req.MaxOutputTokens = s.MaxOutputTokens
	}
	return req
}

// apiErrorBody is the error envelope shared by the Gemini and OpenAI APIs.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
		Type    string `json:"type,omitempty"`
	} `json:"error"`
}

// postJSON sends body to url and decodes a 2xx response into out. Failures
// come back as *generation.BackendError, except for context errors which are
// returned unwrapped so the dispatcher can tell a per-call timeout from a
// caller cancellation.
func postJSON(ctx context.Context, client *http.Client, backend, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return generation.Permanent(backend, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return generation.Permanent(backend, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return generation.Transient(backend, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return generation.Transient(backend, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return generation.StatusError(backend, resp.StatusCode, errorMessage(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return generation.Transient(backend, "malformed response", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

var errMissingKey = errors.New("api key not configured")

func missingKey(backend, env string) error {
	return generation.Permanent(backend, fmt.Sprintf("credentials missing (%s)", env), errMissingKey)
}
