package generation

import (
	"context"
	"time"

	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

// Request is the backend-neutral generation call rendered from a prompt and policy.
type Request struct {
	System          string
	Prompt          string
	Candidates      int
	Redaction       entitlements.RedactionCeiling
	Temperature     float64
	MaxOutputTokens int
}

// Response carries one or more generated documents.
type Response struct {
	Documents []string
	Model     string
}

// Backend is a generative text service.
type Backend interface {
	// Name identifies the backend in attempts, logs and metrics.
	Name() string
	// Generate returns documents or a *BackendError describing the failure.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Descriptor is the configured metadata for a backend.
type Descriptor struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Model    string        `json:"model,omitempty"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
}

// Candidate is a backend with its per-call timeout, in dispatch order.
type Candidate struct {
	Descriptor
	Backend Backend
}

// Attempt records one backend invocation.
type Attempt struct {
	Backend    string        `json:"backend"`
	Outcome    Outcome       `json:"outcome"`
	Latency    time.Duration `json:"latency"`
	Classified bool          `json:"classified"`
	Err        error         `json:"-"`
}

// Result is a successful dispatch.
type Result struct {
	Documents []string  `json:"documents"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model,omitempty"`
	Attempts  []Attempt `json:"attempts"`
}
