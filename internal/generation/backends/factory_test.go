package backends

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCandidates(t *testing.T) {
	env := map[string]string{"GEMINI_API_KEY": "g-key"}
	cfgs := []config.BackendConfig{
		{Name: "pro", Kind: config.BackendGemini, Model: "gemini-1.5-pro-latest", APIKeyEnv: "GEMINI_API_KEY", Priority: 1, Timeout: 20 * time.Second},
		{Name: "oai", Kind: config.BackendOpenAI, Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", Priority: 2},
		{Name: "offline", Kind: config.BackendStatic, Priority: 3},
	}

	candidates, err := Build(cfgs, func(k string) string { return env[k] }, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, "pro", candidates[0].Name)
	assert.Equal(t, 20*time.Second, candidates[0].Timeout)
	assert.IsType(t, &Gemini{}, candidates[0].Backend)
	assert.Equal(t, "g-key", candidates[0].Backend.(*Gemini).APIKey)

	assert.Equal(t, DefaultTimeout, candidates[1].Timeout)
	assert.IsType(t, &OpenAI{}, candidates[1].Backend)
	assert.Empty(t, candidates[1].Backend.(*OpenAI).APIKey)

	assert.IsType(t, &Static{}, candidates[2].Backend)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	_, err := Build(nil, func(string) string { return "" }, nil)
	assert.ErrorIs(t, err, config.ErrNoBackends)

	_, err = Build([]config.BackendConfig{{Name: "x", Kind: "mystery"}}, func(string) string { return "" }, nil)
	assert.Error(t, err)
}

func TestBuiltCandidatesDispatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfgs := []config.BackendConfig{
		{Name: "flaky", Kind: config.BackendGemini, Model: "m", BaseURL: server.URL, APIKeyEnv: "K", Timeout: time.Second},
		{Name: "offline", Kind: config.BackendStatic, Timeout: time.Second},
	}
	candidates, err := Build(cfgs, func(string) string { return "key" }, server.Client())
	require.NoError(t, err)

	d, err := generation.NewDispatcher(candidates, generation.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond})
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), entitlements.Resolve(entitlements.TierElevated), generation.PromptSpec{Concept: "a lantern-jawed eel"})
	require.NoError(t, err)
	assert.Equal(t, "offline", res.Backend)
	assert.Len(t, res.Documents, 2)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, generation.OutcomeTransient, res.Attempts[0].Outcome)
}

func TestStaticIsDeterministic(t *testing.T) {
	s := NewStatic("offline")
	req := generation.Request{Prompt: "Write a report\nmore", Candidates: 3}

	a, err := s.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := s.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a.Documents, b.Documents)
	assert.Len(t, a.Documents, 3)
	assert.Contains(t, a.Documents[0], "Write a report")
	assert.NotContains(t, a.Documents[0], "more")
}

func TestNewHTTPClientDialsThroughCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	resp, err := NewHTTPClient().Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
