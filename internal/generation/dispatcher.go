package generation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultTimeout        = 45 * time.Second

	tracerName = "github.com/markmilk20020610-art/monster-saas/internal/generation"
)

// BackoffConfig shapes the pause after a transient failure.
type BackoffConfig struct {
	Initial             time.Duration
	Max                 time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultInitialBackoff
	}
	if c.Max <= 0 {
		c.Max = DefaultMaxBackoff
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = 0
	}
	return c
}

// Dispatcher walks an ordered candidate list once per request until a backend
// succeeds or the list is exhausted.
type Dispatcher struct {
	candidates atomic.Pointer[[]Candidate]
	backoff    BackoffConfig
	sleep      func(ctx context.Context, d time.Duration) error
	tracer     trace.Tracer
}

// NewDispatcher validates candidates and returns a ready dispatcher.
func NewDispatcher(candidates []Candidate, cfg BackoffConfig) (*Dispatcher, error) {
	d := &Dispatcher{
		backoff: cfg.withDefaults(),
		sleep:   sleepContext,
		tracer:  otel.Tracer(tracerName),
	}
	if err := d.Replace(candidates); err != nil {
		return nil, err
	}
	return d, nil
}

// Replace swaps the candidate list. Invalid lists are rejected and the
// current list stays in effect.
func (d *Dispatcher) Replace(candidates []Candidate) error {
	if len(candidates) == 0 {
		return ErrNoBackends
	}
	seen := make(map[string]struct{}, len(candidates))
	list := make([]Candidate, len(candidates))
	for i, c := range candidates {
		if c.Backend == nil {
			return fmt.Errorf("generation: candidate %d has no backend", i)
		}
		if c.Name == "" {
			c.Name = c.Backend.Name()
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("generation: duplicate backend name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Timeout <= 0 {
			c.Timeout = DefaultTimeout
		}
		list[i] = c
	}
	d.candidates.Store(&list)
	return nil
}

// Candidates returns a copy of the current list in dispatch order.
func (d *Dispatcher) Candidates() []Candidate {
	list := *d.candidates.Load()
	out := make([]Candidate, len(list))
	copy(out, list)
	return out
}

// Budget is the longest a single dispatch may take with the current list:
// every timeout plus the largest possible pause between candidates.
func (d *Dispatcher) Budget() time.Duration {
	return budgetFor(*d.candidates.Load(), d.backoff)
}

func budgetFor(list []Candidate, cfg BackoffConfig) time.Duration {
	var total time.Duration
	for _, c := range list {
		total += c.Timeout
	}
	if n := len(list); n > 1 {
		maxPause := time.Duration(float64(cfg.Max) * (1 + cfg.RandomizationFactor))
		total += time.Duration(n-1) * maxPause
	}
	return total
}

// Dispatch renders spec under policy and runs it through the candidate list.
func (d *Dispatcher) Dispatch(ctx context.Context, policy entitlements.Policy, spec PromptSpec) (*Result, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	return d.Run(ctx, Render(spec, policy))
}

// Run executes req against each candidate in order.
//
// A success returns at once. A transient failure pauses before the next
// candidate; a permanent failure moves on immediately. No candidate is tried
// twice. When the caller cancels ctx, the in-flight call is abandoned and
// ctx's error is returned. When the overall deadline passes, or every
// candidate fails, the result is an *ExhaustionError.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Result, error) {
	list := *d.candidates.Load()
	if req.Candidates < 1 {
		req.Candidates = 1
	}

	runCtx, cancel := context.WithTimeout(ctx, budgetFor(list, d.backoff))
	defer cancel()

	runCtx, span := d.tracer.Start(runCtx, "generation.dispatch", trace.WithAttributes(
		attribute.Int("generation.candidates", len(list)),
		attribute.Int("generation.batch_size", req.Candidates),
		attribute.String("generation.redaction", string(req.Redaction)),
	))
	defer span.End()

	logger := logging.FromContext(ctx)
	bo := d.newBackOff()
	attempts := make([]Attempt, 0, len(list))
	var lastErr error
	deadline := false

	for i, c := range list {
		if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		if runCtx.Err() != nil {
			deadline = true
			break
		}

		resp, attempt := d.attempt(runCtx, c, req)
		attempts = append(attempts, attempt)

		if attempt.Outcome == OutcomeSuccess {
			span.SetAttributes(attribute.String("generation.backend", c.Name), attribute.Int("generation.attempts", len(attempts)))
			logger.Info().
				Str("backend", c.Name).
				Int("attempts", len(attempts)).
				Int("documents", len(resp.Documents)).
				Msg("Generation succeeded")
			return &Result{
				Documents: resp.Documents,
				Backend:   c.Name,
				Model:     resp.Model,
				Attempts:  attempts,
			}, nil
		}

		lastErr = attempt.Err
		if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}

		event := logger.Warn().
			Err(attempt.Err).
			Str("backend", c.Name).
			Str("outcome", string(attempt.Outcome)).
			Dur("latency", attempt.Latency)
		if !attempt.Classified {
			event = event.Bool("unclassified", true)
		}
		event.Msg("Generation backend failed")

		if attempt.Outcome != OutcomeTransient || i == len(list)-1 {
			continue
		}
		pause := bo.NextBackOff()
		if pause == backoff.Stop {
			pause = d.backoff.Max
		}
		if err := d.sleep(runCtx, pause); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				span.SetStatus(codes.Error, "cancelled")
				return nil, ctx.Err()
			}
			deadline = true
			break
		}
	}

	metrics.DispatchExhaustedTotal.Inc()
	exhausted := &ExhaustionError{Attempts: attempts, Last: lastErr, DeadlineExceeded: deadline}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "exhausted")
	logger.Error().
		Err(lastErr).
		Int("attempts", len(attempts)).
		Bool("deadline_exceeded", deadline).
		Msg("All generation backends failed")
	return nil, exhausted
}

func (d *Dispatcher) attempt(ctx context.Context, c Candidate, req Request) (*Response, Attempt) {
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	callCtx, span := d.tracer.Start(callCtx, "generation.attempt", trace.WithAttributes(
		attribute.String("generation.backend", c.Name),
		attribute.String("generation.kind", c.Kind),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.Backend.Generate(callCtx, req)
	latency := time.Since(start)

	if err == nil && (resp == nil || len(resp.Documents) == 0) {
		err = Permanent(c.Name, "empty response", nil)
	}
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		// The per-call timeout fired, whatever the backend reported.
		err = Transient(c.Name, "timeout", callCtx.Err())
	}

	outcome, classified := Classify(err)
	metrics.DispatchAttemptsTotal.WithLabelValues(c.Name, string(outcome)).Inc()
	metrics.DispatchAttemptDuration.WithLabelValues(c.Name).Observe(latency.Seconds())

	span.SetAttributes(attribute.String("generation.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}

	return resp, Attempt{
		Backend:    c.Name,
		Outcome:    outcome,
		Latency:    latency,
		Classified: classified,
		Err:        err,
	}
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoff.Initial
	b.MaxInterval = d.backoff.Max
	b.Multiplier = d.backoff.Multiplier
	b.RandomizationFactor = d.backoff.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
