// Package orchestrator runs the generation request path: cooldown, a fresh
// entitlement read, policy resolution and backend dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/cooldown"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

// Request outcomes recorded in vanguard_generation_requests_total.
const (
	OutcomeSuccess   = "success"
	OutcomeCooldown  = "cooldown"
	OutcomeInvalid   = "invalid"
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

var (
	// ErrCooldownRejected matches every *CooldownError.
	ErrCooldownRejected = errors.New("request rejected by cooldown")
	// ErrInvalidPrompt is returned for a prompt that fails validation.
	ErrInvalidPrompt = generation.ErrInvalidPrompt
	// ErrMissingIdentity is returned when Generate is called without a caller.
	ErrMissingIdentity = errors.New("orchestrator: identity is required")
)

// CooldownError reports how long the caller has to wait.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("request rejected by cooldown; retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownRejected }

// TierSource reads the caller's current tier.
type TierSource interface {
	GetTier(ctx context.Context, identity string) (entitlements.Tier, error)
}

// Dispatcher runs a prompt through the backend list.
type Dispatcher interface {
	Dispatch(ctx context.Context, policy entitlements.Policy, spec generation.PromptSpec) (*generation.Result, error)
}

// Result is a completed generation.
type Result struct {
	Tier      entitlements.Tier    `json:"tier"`
	Policy    entitlements.Policy  `json:"policy"`
	Documents []string             `json:"documents"`
	Backend   string               `json:"backend"`
	Model     string               `json:"model,omitempty"`
	Attempts  []generation.Attempt `json:"attempts"`
}

// Service wires the request path together. It holds no per-identity state of
// its own.
type Service struct {
	guard      cooldown.Guard
	guardName  string
	tiers      TierSource
	dispatcher Dispatcher
}

// New creates a Service.
func New(guard cooldown.Guard, tiers TierSource, dispatcher Dispatcher) *Service {
	return &Service{
		guard:      guard,
		guardName:  cooldown.Name(guard),
		tiers:      tiers,
		dispatcher: dispatcher,
	}
}

// Generate validates spec, admits the caller through the cooldown guard,
// resolves the caller's policy from a fresh entitlement read and dispatches.
//
// Validation runs first so a malformed request does not consume the caller's
// cooldown slot. A failing entitlement store degrades the caller to the base
// policy instead of failing the request.
func (s *Service) Generate(ctx context.Context, identity string, spec generation.PromptSpec) (*Result, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	logger := logging.FromContext(ctx)

	spec, err := spec.Normalize()
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues("", OutcomeInvalid).Inc()
		return nil, err
	}

	if decision := s.guard.Admit(ctx, identity); !decision.Allowed {
		metrics.CooldownRejectionsTotal.WithLabelValues(s.guardName).Inc()
		metrics.GenerationRequestsTotal.WithLabelValues("", OutcomeCooldown).Inc()
		logger.Debug().Dur("retry_after", decision.RetryAfter).Msg("Generation request rejected by cooldown")
		return nil, &CooldownError{RetryAfter: decision.RetryAfter}
	}

	policy := s.policyFor(ctx, identity)

	res, err := s.dispatcher.Dispatch(ctx, policy, spec)
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues(string(policy.Tier), outcomeOf(err)).Inc()
		return nil, err
	}
	metrics.GenerationRequestsTotal.WithLabelValues(string(policy.Tier), OutcomeSuccess).Inc()

	logger.Info().
		Str("tier", string(policy.Tier)).
		Str("backend", res.Backend).
		Int("documents", len(res.Documents)).
		Msg("Generation request completed")

	return &Result{
		Tier:      policy.Tier,
		Policy:    policy,
		Documents: res.Documents,
		Backend:   res.Backend,
		Model:     res.Model,
		Attempts:  res.Attempts,
	}, nil
}

// CurrentPolicy resolves the caller's policy without consuming a cooldown
// slot. Store failures degrade to base like Generate does.
func (s *Service) CurrentPolicy(ctx context.Context, identity string) entitlements.Policy {
	return s.policyFor(ctx, strings.TrimSpace(identity))
}

func (s *Service) policyFor(ctx context.Context, identity string) entitlements.Policy {
	tier, err := s.tiers.GetTier(ctx, identity)
	if err != nil {
		metrics.EntitlementFallbacksTotal.Inc()
		logging.FromContext(ctx).Warn().Err(err).Msg("Entitlement lookup failed; serving base policy")
		tier = entitlements.TierBase
	}
	return entitlements.Resolve(tier)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, generation.ErrBackendsExhausted):
		return OutcomeExhausted
	case errors.Is(err, generation.ErrInvalidPrompt):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}
