package registry

import (
	"context"
	"time"
)

// Store is the relational persistence used by the entitlement, archive and
// billing packages. SQLiteStore and PostgresStore implement it.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// GetEntitlement returns nil, nil when the identity has no record.
	GetEntitlement(ctx context.Context, identity string) (*EntitlementRecord, error)
	// InsertEntitlement returns ErrDuplicate if the identity already has a record.
	InsertEntitlement(ctx context.Context, rec *EntitlementRecord) error
	// UpdateEntitlementTier returns ErrNotFound if the identity has no record.
	UpdateEntitlementTier(ctx context.Context, identity, tier, source string, at time.Time) error

	InsertArchiveEntry(ctx context.Context, entry *ArchiveEntry) error
	// ListArchiveEntries returns the owner's entries, newest first.
	ListArchiveEntries(ctx context.Context, owner string, limit int) ([]*ArchiveEntry, error)
	// GetArchiveEntry returns nil, nil when id does not exist or belongs to another owner.
	GetArchiveEntry(ctx context.Context, owner, id string) (*ArchiveEntry, error)

	// ClaimTransaction records tx as pending. An existing pending claim older
	// than staleBefore is taken over.
	ClaimTransaction(ctx context.Context, tx *PaymentTransaction, staleBefore time.Time) (ClaimResult, error)
	// RenewTransaction moves the claim held by tx to at. The claim, MarkTransactionApplied
	// and ReleaseTransaction are fenced on tx.ClaimedAt and return ErrClaimLost once
	// another worker has taken the reference over.
	RenewTransaction(ctx context.Context, tx *PaymentTransaction, at time.Time) error
	MarkTransactionApplied(ctx context.Context, tx *PaymentTransaction, at time.Time) error
	// ReleaseTransaction deletes the pending claim held by tx so the reference can be retried.
	ReleaseTransaction(ctx context.Context, tx *PaymentTransaction) error
	GetTransaction(ctx context.Context, reference string) (*PaymentTransaction, error)
}

// scanner is an interface satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
