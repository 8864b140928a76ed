// Package billing turns payment-provider notifications into verified
// entitlement changes.
//
// A notification is only a hint: the reconciler re-fetches the referenced
// transaction from the provider and applies the tier the provider reports.
// Each transaction reference is applied at most once.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

var (
	// ErrVerificationFailed matches every *RejectedError.
	ErrVerificationFailed = errors.New("billing: payment verification failed")
	// ErrInFlight is returned while another worker holds the claim on a reference.
	ErrInFlight = errors.New("billing: transaction is being reconciled")
	// ErrQueueFull is returned when a notification cannot be queued.
	ErrQueueFull = errors.New("billing: reconcile queue is full")
)

// Source of a notification.
const (
	SourceWebhook = "webhook"
	SourceReturn  = "return"
	SourceAdmin   = "admin"
)

// Notification is an unverified claim that a payment completed.
type Notification struct {
	// Reference is the provider's transaction reference (a Checkout Session ID).
	Reference string `json:"reference"`
	// Identity is the account the payment is said to belong to.
	Identity string `json:"identity"`
	// ClaimedTier is whatever tier the notification names. It is logged, never applied.
	ClaimedTier string `json:"claimed_tier,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Verification is the provider's authoritative view of a transaction.
type Verification struct {
	Reference   string
	Identity    string
	Tier        entitlements.Tier
	AmountTotal int64
	Currency    string
}

// Verifier re-queries the payment provider. Errors wrapping
// ErrVerificationFailed are final; anything else may be retried.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// RejectedError reports a notification that failed verification. The Reason
// is for operators; HTTP callers only see a generic message.
type RejectedError struct {
	Reference string
	Reason    string
	Err       error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s rejected: %s: %v", e.Reference, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment %s rejected: %s", e.Reference, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrVerificationFailed }

// Queue accepts notifications for asynchronous reconciliation.
type Queue interface {
	Enqueue(ctx context.Context, n Notification) error
}

// verificationFailure builds an error the reconciler treats as final.
func verificationFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrVerificationFailed, fmt.Sprintf(format, args...))
}
