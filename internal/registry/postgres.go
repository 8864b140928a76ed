package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool. The schema is
// created by Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the pool for components sharing the database (job queue).
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetEntitlement(ctx context.Context, identity string) (*EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT identity, tier, source, created_at, updated_at
		FROM entitlements WHERE identity = $1`, identity)
	rec, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) InsertEntitlement(ctx context.Context, rec *EntitlementRecord) error {
	if rec == nil {
		return fmt.Errorf("entitlement record is nil")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO entitlements (identity, tier, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Identity, rec.Tier, rec.Source, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntitlementTier(ctx context.Context, identity, tier, source string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entitlements SET tier = $1, source = $2, updated_at = $3
		WHERE identity = $4`, tier, source, at.UnixMilli(), identity)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertArchiveEntry(ctx context.Context, entry *ArchiveEntry) error {
	if entry == nil {
		return fmt.Errorf("archive entry is nil")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO archive_entries (id, owner, title, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Owner, entry.Title, entry.Content, entry.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert archive entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListArchiveEntries(ctx context.Context, owner string, limit int) ([]*ArchiveEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, owner, title, content, created_at
		FROM archive_entries WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}
	defer rows.Close()

	var entries []*ArchiveEntry
	for rows.Next() {
		e, err := scanArchiveEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetArchiveEntry(ctx context.Context, owner, id string) (*ArchiveEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, owner, title, content, created_at
		FROM archive_entries WHERE owner = $1 AND id = $2`, owner, id)
	e, err := scanArchiveEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) ClaimTransaction(ctx context.Context, tx *PaymentTransaction, staleBefore time.Time) (ClaimResult, error) {
	if tx == nil {
		return 0, fmt.Errorf("payment transaction is nil")
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO payment_transactions
		(reference, identity, tier, amount_total, currency, status, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO NOTHING`,
		tx.Reference, tx.Identity, tx.Tier, tx.AmountTotal, tx.Currency,
		string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("claim transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimAcquired, nil
	}

	existing, err := s.GetTransaction(ctx, tx.Reference)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return ClaimInFlight, nil
	}
	if existing.Status == TransactionApplied {
		return ClaimAlreadyApplied, nil
	}

	tag, err = s.pool.Exec(ctx, `UPDATE payment_transactions
		SET identity = $1, claimed_at = $2
		WHERE reference = $3 AND status = $4 AND claimed_at < $5`,
		tx.Identity, tx.ClaimedAt.UnixMilli(), tx.Reference, string(TransactionPending), staleBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("take over stale claim: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimAcquired, nil
	}
	return ClaimInFlight, nil
}

func (s *PostgresStore) RenewTransaction(ctx context.Context, tx *PaymentTransaction, at time.Time) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_transactions SET claimed_at = $1
		WHERE reference = $2 AND status = $3 AND claimed_at = $4`,
		at.UnixMilli(), tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("renew transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	tx.ClaimedAt = at
	return nil
}

func (s *PostgresStore) MarkTransactionApplied(ctx context.Context, tx *PaymentTransaction, at time.Time) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_transactions
		SET identity = $1, tier = $2, amount_total = $3, currency = $4, status = $5, applied_at = $6
		WHERE reference = $7 AND status = $8 AND claimed_at = $9`,
		tx.Identity, tx.Tier, tx.AmountTotal, tx.Currency, string(TransactionApplied), at.UnixMilli(),
		tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark transaction applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) ReleaseTransaction(ctx context.Context, tx *PaymentTransaction) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM payment_transactions
		WHERE reference = $1 AND status = $2 AND claimed_at = $3`,
		tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("release transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, reference string) (*PaymentTransaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT reference, identity, tier, amount_total, currency, status, claimed_at, applied_at
		FROM payment_transactions WHERE reference = $1`, reference)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
