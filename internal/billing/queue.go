package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize   = 256
	maxDeliveryRetries = 6
)

// Reconcilable is what queue workers call.
type Reconcilable interface {
	Reconcile(ctx context.Context, n Notification) (Outcome, error)
}

// InProcessQueue runs reconciliation on a fixed pool of goroutines. Transient
// failures and in-flight claims are retried with exponential backoff;
// rejections are final.
type InProcessQueue struct {
	reconciler Reconcilable
	workers    int
	jobs       chan Notification

	mu      sync.Mutex
	pending map[string]struct{}

	newBackOff func() backoff.BackOff
}

// NewInProcessQueue creates a queue with the given worker count.
func NewInProcessQueue(reconciler Reconcilable, workers int) *InProcessQueue {
	if workers < 1 {
		workers = 1
	}
	return &InProcessQueue{
		reconciler: reconciler,
		workers:    workers,
		jobs:       make(chan Notification, defaultQueueSize),
		pending:    make(map[string]struct{}),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, maxDeliveryRetries)
		},
	}
}

// Enqueue implements Queue. A reference that is already queued is accepted
// without adding a second job.
func (q *InProcessQueue) Enqueue(ctx context.Context, n Notification) error {
	q.mu.Lock()
	if _, ok := q.pending[n.Reference]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[n.Reference] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- n:
		return nil
	case <-ctx.Done():
		q.done(n.Reference)
		return ctx.Err()
	default:
		q.done(n.Reference)
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is cancelled.
func (q *InProcessQueue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case n := <-q.jobs:
					q.process(ctx, n)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (q *InProcessQueue) process(ctx context.Context, n Notification) {
	defer q.done(n.Reference)

	op := func() error {
		_, err := q.reconciler.Reconcile(ctx, n)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVerificationFailed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("reference", n.Reference).Dur("retry_in", wait).Msg("Payment reconciliation deferred")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(q.newBackOff(), ctx), notify); err != nil {
		if !errors.Is(err, ErrVerificationFailed) && ctx.Err() == nil {
			log.Error().Err(err).Str("reference", n.Reference).Msg("Payment reconciliation gave up")
		}
	}
}

func (q *InProcessQueue) done(reference string) {
	q.mu.Lock()
	delete(q.pending, reference)
	q.mu.Unlock()
}
