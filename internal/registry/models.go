package registry

import (
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("registry: duplicate record")
	// ErrNotFound is returned when an update targets a record that does not exist.
	ErrNotFound = errors.New("registry: record not found")
	// ErrClaimLost is returned when a payment claim was taken over or released
	// by someone else.
	ErrClaimLost = errors.New("registry: payment claim lost")
)

// EntitlementRecord is the stored tier for one identity. Tier is kept as raw
// text; interpreting it is the caller's job.
type EntitlementRecord struct {
	Identity  string    `json:"identity"`
	Tier      string    `json:"tier"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchiveEntry is an immutable saved document owned by one identity.
type ArchiveEntry struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionStatus tracks a payment reference through reconciliation.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionApplied TransactionStatus = "applied"
)

// PaymentTransaction is the idempotency ledger row for one provider reference.
type PaymentTransaction struct {
	Reference   string            `json:"reference"`
	Identity    string            `json:"identity"`
	Tier        string            `json:"tier"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	ClaimedAt   time.Time         `json:"claimed_at"`
	AppliedAt   *time.Time        `json:"applied_at,omitempty"`
}

// ClaimResult is the outcome of ClaimTransaction.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the reference and must apply or release it.
	ClaimAcquired ClaimResult = iota
	// ClaimAlreadyApplied means the reference was reconciled before.
	ClaimAlreadyApplied
	// ClaimInFlight means another worker holds a fresh claim on the reference.
	ClaimInFlight
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyApplied:
		return "already_applied"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}
