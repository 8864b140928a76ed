package backends

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout applies to backends configured without one.
const DefaultTimeout = 45 * time.Second

// Build turns validated backend configuration into dispatch candidates, in
// configuration order. getenv resolves api_key_env references.
func Build(cfgs []config.BackendConfig, getenv func(string) string, client *http.Client) ([]generation.Candidate, error) {
	if err := config.ValidateBackends(cfgs); err != nil {
		return nil, err
	}
	if client == nil {
		client = NewHTTPClient()
	}

	candidates := make([]generation.Candidate, 0, len(cfgs))
	for _, c := range cfgs {
		apiKey := ""
		if c.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(getenv(c.APIKeyEnv))
		}

		settings := Settings{
			Name:            c.Name,
			Model:           c.Model,
			BaseURL:         c.BaseURL,
			APIKey:          apiKey,
			APIKeyEnv:       c.APIKeyEnv,
			Temperature:     c.Temperature,
			MaxOutputTokens: c.MaxOutputTokens,
		}

		var backend generation.Backend
		switch c.Kind {
		case config.BackendGemini:
			backend = NewGemini(settings, client)
		case config.BackendOpenAI:
			backend = NewOpenAI(settings, client)
		case config.BackendStatic:
			backend = NewStatic(c.Name)
		default:
			return nil, fmt.Errorf("backend %q: unknown kind %q", c.Name, c.Kind)
		}
		if c.Kind != config.BackendStatic && apiKey == "" {
			log.Warn().Str("backend", c.Name).Str("env", c.APIKeyEnv).Msg("Generation backend has no API key; calls will fail permanently")
		}

		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		candidates = append(candidates, generation.Candidate{
			Descriptor: generation.Descriptor{
				Name:     c.Name,
				Kind:     c.Kind,
				Model:    c.Model,
				Priority: c.Priority,
				Timeout:  timeout,
			},
			Backend: backend,
		})
	}
	return candidates, nil
}
