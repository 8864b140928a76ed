package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) vanguard.db in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "vanguard.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		identity   TEXT PRIMARY KEY,
		tier       TEXT NOT NULL DEFAULT 'base',
		source     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS archive_entries (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		title      TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_owner_created ON archive_entries(owner, created_at DESC);
	CREATE TABLE IF NOT EXISTS payment_transactions (
		reference    TEXT PRIMARY KEY,
		identity     TEXT NOT NULL,
		tier         TEXT NOT NULL DEFAULT '',
		amount_total INTEGER NOT NULL DEFAULT 0,
		currency     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		claimed_at   INTEGER NOT NULL,
		applied_at   INTEGER
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetEntitlement(ctx context.Context, identity string) (*EntitlementRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT identity, tier, source, created_at, updated_at
		FROM entitlements WHERE identity = ?`, identity)
	rec, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) InsertEntitlement(ctx context.Context, rec *EntitlementRecord) error {
	if rec == nil {
		return fmt.Errorf("entitlement record is nil")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO entitlements (identity, tier, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Identity, rec.Tier, rec.Source, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateEntitlementTier(ctx context.Context, identity, tier, source string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entitlements SET tier = ?, source = ?, updated_at = ?
		WHERE identity = ?`, tier, source, at.UnixMilli(), identity)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertArchiveEntry(ctx context.Context, entry *ArchiveEntry) error {
	if entry == nil {
		return fmt.Errorf("archive entry is nil")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO archive_entries (id, owner, title, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Owner, entry.Title, entry.Content, entry.CreatedAt.UnixMilli())
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert archive entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListArchiveEntries(ctx context.Context, owner string, limit int) ([]*ArchiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, title, content, created_at
		FROM archive_entries WHERE owner = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, owner, limit)
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

func (s *SQLiteStore) GetArchiveEntry(ctx context.Context, owner, id string) (*ArchiveEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner, title, content, created_at
		FROM archive_entries WHERE owner = ? AND id = ?`, owner, id)
	e, err := scanArchiveEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) ClaimTransaction(ctx context.Context, tx *PaymentTransaction, staleBefore time.Time) (ClaimResult, error) {
	if tx == nil {
		return 0, fmt.Errorf("payment transaction is nil")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO payment_transactions
		(reference, identity, tier, amount_total, currency, status, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.Reference, tx.Identity, tx.Tier, tx.AmountTotal, tx.Currency,
		string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err == nil {
		return ClaimAcquired, nil
	}
	if !isSQLiteConstraint(err) {
		return 0, fmt.Errorf("claim transaction: %w", err)
	}

	existing, err := s.GetTransaction(ctx, tx.Reference)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		// Released between our insert and read; the caller may retry.
		return ClaimInFlight, nil
	}
	if existing.Status == TransactionApplied {
		return ClaimAlreadyApplied, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE payment_transactions
		SET identity = ?, claimed_at = ?
		WHERE reference = ? AND status = ? AND claimed_at < ?`,
		tx.Identity, tx.ClaimedAt.UnixMilli(), tx.Reference, string(TransactionPending), staleBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("take over stale claim: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return ClaimAcquired, nil
	}
	return ClaimInFlight, nil
}

func (s *SQLiteStore) RenewTransaction(ctx context.Context, tx *PaymentTransaction, at time.Time) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE payment_transactions SET claimed_at = ?
		WHERE reference = ? AND status = ? AND claimed_at = ?`,
		at.UnixMilli(), tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("renew transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrClaimLost
	}
	tx.ClaimedAt = at
	return nil
}

func (s *SQLiteStore) MarkTransactionApplied(ctx context.Context, tx *PaymentTransaction, at time.Time) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE payment_transactions
		SET identity = ?, tier = ?, amount_total = ?, currency = ?, status = ?, applied_at = ?
		WHERE reference = ? AND status = ? AND claimed_at = ?`,
		tx.Identity, tx.Tier, tx.AmountTotal, tx.Currency, string(TransactionApplied), at.UnixMilli(),
		tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark transaction applied: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *SQLiteStore) ReleaseTransaction(ctx context.Context, tx *PaymentTransaction) error {
	if tx == nil {
		return fmt.Errorf("payment transaction is nil")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_transactions
		WHERE reference = ? AND status = ? AND claimed_at = ?`,
		tx.Reference, string(TransactionPending), tx.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("release transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, reference string) (*PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT reference, identity, tier, amount_total, currency, status, claimed_at, applied_at
		FROM payment_transactions WHERE reference = ?`, reference)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func scanEntitlement(s scanner) (*EntitlementRecord, error) {
	var rec EntitlementRecord
	var createdAt, updatedAt int64
	if err := s.Scan(&rec.Identity, &rec.Tier, &rec.Source, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func scanArchiveEntry(s scanner) (*ArchiveEntry, error) {
	var e ArchiveEntry
	var createdAt int64
	if err := s.Scan(&e.ID, &e.Owner, &e.Title, &e.Content, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan archive entry: %w", err)
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

func scanTransaction(s scanner) (*PaymentTransaction, error) {
	var tx PaymentTransaction
	var status string
	var claimedAt int64
	var appliedAt sql.NullInt64
	if err := s.Scan(&tx.Reference, &tx.Identity, &tx.Tier, &tx.AmountTotal, &tx.Currency,
		&status, &claimedAt, &appliedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment transaction: %w", err)
	}
	tx.Status = TransactionStatus(status)
	tx.ClaimedAt = fromMillis(claimedAt)
	if appliedAt.Valid {
		ts := fromMillis(appliedAt.Int64)
		tx.AppliedAt = &ts
	}
	return &tx, nil
}
