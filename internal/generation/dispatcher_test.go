package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	name  string
	err   error
	docs  []string
	delay time.Duration
	calls int
	mu    sync.Mutex
	seen  []Request
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	b.mu.Lock()
	b.calls++
	b.seen = append(b.seen, req)
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &Response{Documents: b.docs, Model: b.name + "-model"}, nil
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.pauses = append(s.pauses, d)
	s.mu.Unlock()
	return ctx.Err()
}

func candidates(timeout time.Duration, backends ...Backend) []Candidate {
	out := make([]Candidate, len(backends))
	for i, b := range backends {
		out[i] = Candidate{Descriptor: Descriptor{Name: b.Name(), Kind: "test", Priority: i, Timeout: timeout}, Backend: b}
	}
	return out
}

func newTestDispatcher(t *testing.T, cands []Candidate) (*Dispatcher, *sleepRecorder) {
	t.Helper()
	d, err := NewDispatcher(cands, BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	require.NoError(t, err)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, rec
}

func TestDispatchFallsThroughTransientAndPermanentToSuccess(t *testing.T) {
	a := &scriptedBackend{name: "a", err: Transient("a", "rate limited", nil)}
	b := &scriptedBackend{name: "b", err: Permanent("b", "model decommissioned", nil)}
	c := &scriptedBackend{name: "c", docs: []string{"doc from c"}}
	d, sleeps := newTestDispatcher(t, candidates(time.Second, a, b, c))

	res, err := d.Run(context.Background(), Request{Prompt: "p", Candidates: 1})
	require.NoError(t, err)

	assert.Equal(t, "c", res.Backend)
	assert.Equal(t, []string{"doc from c"}, res.Documents)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "a", res.Attempts[0].Backend)
	assert.Equal(t, OutcomeTransient, res.Attempts[0].Outcome)
	assert.Equal(t, "b", res.Attempts[1].Backend)
	assert.Equal(t, OutcomePermanent, res.Attempts[1].Outcome)
	assert.Equal(t, "c", res.Attempts[2].Backend)
	assert.Equal(t, OutcomeSuccess, res.Attempts[2].Outcome)

	// Only the transient failure pauses.
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, sleeps.pauses)
}

func TestDispatchSuccessShortCircuits(t *testing.T) {
	a := &scriptedBackend{name: "a", docs: []string{"x"}}
	b := &scriptedBackend{name: "b", docs: []string{"y"}}
	d, _ := newTestDispatcher(t, candidates(time.Second, a, b))

	res, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Backend)
	assert.Zero(t, b.Calls())
}

func TestDispatchAllFailReturnsExhaustion(t *testing.T) {
	a := &scriptedBackend{name: "a", err: Transient("a", "unavailable", nil)}
	b := &scriptedBackend{name: "b", err: Permanent("b", "bad request", nil)}
	c := &scriptedBackend{name: "c", err: Transient("c", "overloaded", nil)}
	d, sleeps := newTestDispatcher(t, candidates(time.Second, a, b, c))

	_, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendsExhausted)

	var exhausted *ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 3)
	var last *BackendError
	require.ErrorAs(t, exhausted.Last, &last)
	assert.Equal(t, "c", last.Backend)

	for _, be := range []*scriptedBackend{a, b, c} {
		assert.Equal(t, 1, be.Calls(), "backend %s must be tried exactly once", be.name)
	}
	// No pause after the final candidate.
	assert.Len(t, sleeps.pauses, 1)
}

func TestDispatchUnclassifiedErrorIsTransient(t *testing.T) {
	a := &scriptedBackend{name: "a", err: errors.New("something odd")}
	b := &scriptedBackend{name: "b", docs: []string{"ok"}}
	d, sleeps := newTestDispatcher(t, candidates(time.Second, a, b))

	res, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, res.Attempts[0].Outcome)
	assert.False(t, res.Attempts[0].Classified)
	assert.Len(t, sleeps.pauses, 1)
}

func TestDispatchEmptyResponseIsPermanent(t *testing.T) {
	a := &scriptedBackend{name: "a", docs: nil}
	b := &scriptedBackend{name: "b", docs: []string{"ok"}}
	d, sleeps := newTestDispatcher(t, candidates(time.Second, a, b))

	res, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, res.Attempts[0].Outcome)
	assert.Empty(t, sleeps.pauses)
}

func TestDispatchPerCallTimeoutIsTransient(t *testing.T) {
	slow := &scriptedBackend{name: "slow", delay: time.Second, docs: []string{"late"}}
	fast := &scriptedBackend{name: "fast", docs: []string{"ok"}}
	d, _ := newTestDispatcher(t, []Candidate{
		{Descriptor: Descriptor{Name: "slow", Timeout: 20 * time.Millisecond}, Backend: slow},
		{Descriptor: Descriptor{Name: "fast", Timeout: time.Second}, Backend: fast},
	})

	res, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Backend)
	assert.Equal(t, OutcomeTransient, res.Attempts[0].Outcome)
	assert.Less(t, res.Attempts[0].Latency, 500*time.Millisecond)
}

func TestDispatchBoundedByOverallDeadline(t *testing.T) {
	slow := func(name string) *scriptedBackend {
		return &scriptedBackend{name: name, delay: time.Second, docs: []string{"late"}}
	}
	d, err := NewDispatcher(candidates(30*time.Millisecond, slow("a"), slow("b"), slow("c")),
		BackoffConfig{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Run(context.Background(), Request{Prompt: "p"})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrBackendsExhausted)
	assert.Less(t, elapsed, d.Budget()+250*time.Millisecond)
}

func TestDeadlineExhaustionKeepsLastBackendFailure(t *testing.T) {
	a := &scriptedBackend{name: "a", err: Transient("a", "rate limited", nil)}
	b := &scriptedBackend{name: "b", docs: []string{"never"}}
	d, err := NewDispatcher(candidates(20*time.Millisecond, a, b),
		BackoffConfig{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond})
	require.NoError(t, err)
	// The pause outlives the overall deadline.
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err = d.Run(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrBackendsExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var exhausted *ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.DeadlineExceeded)
	var last *BackendError
	require.ErrorAs(t, exhausted.Last, &last)
	assert.Equal(t, "a", last.Backend)
	assert.Equal(t, "rate limited", last.Reason)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Zero(t, b.Calls())
}

func TestDispatchCallerCancellationSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedBackend{name: "a", delay: time.Second}
	b := &scriptedBackend{name: "b", docs: []string{"ok"}}
	d, _ := newTestDispatcher(t, candidates(5*time.Second, a, b))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Run(ctx, Request{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBackendsExhausted)
	assert.Zero(t, b.Calls())
}

func TestDispatchPassesBatchSizeAndRedaction(t *testing.T) {
	a := &scriptedBackend{name: "a", docs: []string{"1", "2", "3"}}
	d, _ := newTestDispatcher(t, candidates(time.Second, a))

	policy := entitlements.Resolve(entitlements.TierPremium)
	res, err := d.Dispatch(context.Background(), policy, PromptSpec{Concept: "a worm nesting in vocal cords"})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 3)

	require.Len(t, a.seen, 1)
	assert.Equal(t, 3, a.seen[0].Candidates)
	assert.Equal(t, entitlements.RedactionNone, a.seen[0].Redaction)
}

func TestDispatchRejectsInvalidPromptBeforeCallingBackends(t *testing.T) {
	a := &scriptedBackend{name: "a", docs: []string{"x"}}
	d, _ := newTestDispatcher(t, candidates(time.Second, a))

	_, err := d.Dispatch(context.Background(), entitlements.Resolve(entitlements.TierBase), PromptSpec{Concept: "  "})
	assert.ErrorIs(t, err, ErrInvalidPrompt)
	assert.Zero(t, a.Calls())
}

func TestNewDispatcherRejectsEmptyList(t *testing.T) {
	_, err := NewDispatcher(nil, BackoffConfig{})
	assert.ErrorIs(t, err, ErrNoBackends)
}

func TestReplaceKeepsPreviousListOnInvalidInput(t *testing.T) {
	a := &scriptedBackend{name: "a", docs: []string{"x"}}
	d, _ := newTestDispatcher(t, candidates(time.Second, a))

	assert.ErrorIs(t, d.Replace(nil), ErrNoBackends)
	dup := candidates(time.Second, &scriptedBackend{name: "x"}, &scriptedBackend{name: "x"})
	assert.Error(t, d.Replace(dup))

	list := d.Candidates()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Name)
}

func TestBackoffGrowsBetweenTransientFailures(t *testing.T) {
	fail := func(name string) *scriptedBackend {
		return &scriptedBackend{name: name, err: Transient(name, "429", nil)}
	}
	d, sleeps := newTestDispatcher(t, candidates(time.Second, fail("a"), fail("b"), fail("c"), fail("d")))

	_, err := d.Run(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrBackendsExhausted)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, sleeps.pauses)
}
