package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

// DefaultLockTTL is how long a pending claim blocks other workers before it
// can be taken over.
const DefaultLockTTL = 2 * time.Minute

// Outcome of a successful Reconcile call.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// Ledger is the subset of registry.Store used for idempotency.
type Ledger interface {
	ClaimTransaction(ctx context.Context, tx *registry.PaymentTransaction, staleBefore time.Time) (registry.ClaimResult, error)
	RenewTransaction(ctx context.Context, tx *registry.PaymentTransaction, at time.Time) error
	MarkTransactionApplied(ctx context.Context, tx *registry.PaymentTransaction, at time.Time) error
	ReleaseTransaction(ctx context.Context, tx *registry.PaymentTransaction) error
}

// TierSetter writes a verified tier.
type TierSetter interface {
	SetTier(ctx context.Context, identity string, tier entitlements.Tier, source string) error
}

// Reconciler applies verified payments to entitlements.
type Reconciler struct {
	ledger   Ledger
	tiers    TierSetter
	verifier Verifier
	lockTTL  time.Duration
	now      func() time.Time
}

// NewReconciler creates a Reconciler. A nil verifier rejects every notification.
func NewReconciler(ledger Ledger, tiers TierSetter, verifier Verifier) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		tiers:    tiers,
		verifier: verifier,
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
	}
}

// Reconcile verifies n with the provider and applies the verified tier once.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) (Outcome, error) {
	n.Reference = strings.TrimSpace(n.Reference)
	n.Identity = strings.TrimSpace(n.Identity)
	ctx = logging.WithIdentity(ctx, n.Identity)
	logger := logging.FromContext(ctx).With().
		Str("reference", n.Reference).
		Str("event_id", n.EventID).
		Str("source", n.Source).
		Logger()

	if n.Reference == "" || n.Identity == "" {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		rejected := &RejectedError{Reference: n.Reference, Reason: "notification is missing reference or identity"}
		logger.Warn().Err(rejected).Msg("Payment notification rejected")
		return "", rejected
	}

	now := r.now().UTC()
	tx := &registry.PaymentTransaction{
		Reference: n.Reference,
		Identity:  n.Identity,
		Tier:      n.ClaimedTier,
		ClaimedAt: now,
	}
	claim, err := r.ledger.ClaimTransaction(ctx, tx, now.Add(-r.lockTTL))
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("claim payment %s: %w", n.Reference, err)
	}
	switch claim {
	case registry.ClaimAlreadyApplied:
		metrics.ReconcileTotal.WithLabelValues("duplicate").Inc()
		logger.Info().Msg("Payment already reconciled; ignoring replay")
		return OutcomeDuplicate, nil
	case registry.ClaimInFlight:
		metrics.ReconcileTotal.WithLabelValues("in_flight").Inc()
		logger.Debug().Msg("Payment claimed by another worker")
		return "", ErrInFlight
	}

	// Provider calls finish well inside the claim so a stale takeover cannot
	// overlap them.
	verifyCtx, cancel := context.WithTimeout(ctx, r.lockTTL/2)
	verified, err := r.verify(verifyCtx, n)
	cancel()
	if err != nil {
		r.release(ctx, tx)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
			logger.Warn().Err(err).Str("claimed_tier", n.ClaimedTier).Msg("Payment notification rejected; entitlement unchanged")
			return "", err
		}
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("Payment verification unavailable; will retry")
		return "", fmt.Errorf("verify payment %s: %w", n.Reference, err)
	}

	if n.ClaimedTier != "" && n.ClaimedTier != string(verified.Tier) {
		logger.Warn().
			Str("claimed_tier", n.ClaimedTier).
			Str("verified_tier", string(verified.Tier)).
			Msg("Notification tier differs from provider; applying verified tier")
	}

	if err := r.ledger.RenewTransaction(ctx, tx, r.now().UTC()); err != nil {
		if errors.Is(err, registry.ErrClaimLost) {
			metrics.ReconcileTotal.WithLabelValues("claim_lost").Inc()
			logger.Warn().Msg("Payment claim was taken over during verification; not applying")
			return "", fmt.Errorf("%w: claim on %s was taken over", ErrInFlight, n.Reference)
		}
		r.release(ctx, tx)
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("renew claim on payment %s: %w", n.Reference, err)
	}

	applyCtx, cancel := context.WithTimeout(ctx, r.lockTTL/2)
	err = r.tiers.SetTier(applyCtx, n.Identity, verified.Tier, entitlement.SourcePayment)
	cancel()
	if err != nil {
		r.release(ctx, tx)
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("apply payment %s: %w", n.Reference, err)
	}

	tx.Tier = string(verified.Tier)
	tx.AmountTotal = verified.AmountTotal
	tx.Currency = verified.Currency
	if err := r.ledger.MarkTransactionApplied(ctx, tx, r.now().UTC()); err != nil {
		// The tier is already written; a redelivery would apply the same tier again.
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("Failed to mark payment applied")
		return "", fmt.Errorf("mark payment %s applied: %w", n.Reference, err)
	}

	metrics.ReconcileTotal.WithLabelValues("applied").Inc()
	logger.Info().
		Str("tier", string(verified.Tier)).
		Int64("amount_total", verified.AmountTotal).
		Str("currency", verified.Currency).
		Msg("Payment reconciled")
	return OutcomeApplied, nil
}

func (r *Reconciler) verify(ctx context.Context, n Notification) (*Verification, error) {
	if r.verifier == nil {
		return nil, &RejectedError{Reference: n.Reference, Reason: "no payment verifier configured"}
	}

	v, err := r.verifier.Verify(ctx, n.Reference)
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			return nil, &RejectedError{Reference: n.Reference, Reason: "provider did not confirm payment", Err: err}
		}
		return nil, err
	}
	if v == nil {
		return nil, &RejectedError{Reference: n.Reference, Reason: "provider returned no transaction"}
	}
	if v.Identity != n.Identity {
		return nil, &RejectedError{Reference: n.Reference, Reason: "payment belongs to a different identity"}
	}
	if !v.Tier.Valid() {
		return nil, &RejectedError{Reference: n.Reference, Reason: fmt.Sprintf("verified tier %q is not in the catalogue", v.Tier)}
	}
	return v, nil
}

func (r *Reconciler) release(ctx context.Context, tx *registry.PaymentTransaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := r.ledger.ReleaseTransaction(ctx, tx)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrClaimLost):
		logging.FromContext(ctx).Debug().Str("reference", tx.Reference).Msg("Payment claim already taken over")
	default:
		logging.FromContext(ctx).Warn().Err(err).Str("reference", tx.Reference).Msg("Failed to release payment claim; it will expire")
	}
}
