// Package entitlement reads and writes per-identity tiers on top of the
// registry. Reads always go to the store so that a completed tier change is
// visible to the very next request.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

// Sources recorded alongside a tier change.
const (
	SourceDefault = "default"
	SourcePayment = "payment"
	SourceAdmin   = "admin"
)

var (
	// ErrInvalidIdentity is returned for an empty identity.
	ErrInvalidIdentity = errors.New("entitlement: identity is required")
	// ErrInvalidTier is returned when writing a tier that is not in the catalogue.
	ErrInvalidTier = errors.New("entitlement: unknown tier")
)

// StoreError wraps a failure of the underlying store. Callers on the request
// path degrade to the base tier when they see it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("entitlement store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the subset of registry.Store the adapter needs.
type Store interface {
	GetEntitlement(ctx context.Context, identity string) (*registry.EntitlementRecord, error)
	InsertEntitlement(ctx context.Context, rec *registry.EntitlementRecord) error
	UpdateEntitlementTier(ctx context.Context, identity, tier, source string, at time.Time) error
}

// Adapter implements get-or-create and update of entitlement records.
type Adapter struct {
	store Store
	now   func() time.Time
}

// NewAdapter creates an Adapter over store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// GetTier returns the identity's tier, creating a base record on first sight.
// Stored values outside the catalogue resolve to base.
func (a *Adapter) GetTier(ctx context.Context, identity string) (entitlements.Tier, error) {
	rec, err := a.Record(ctx, identity)
	if err != nil {
		return entitlements.TierBase, err
	}
	tier, ok := entitlements.ParseTier(rec.Tier)
	if !ok {
		logging.FromContext(logging.WithIdentity(ctx, identity)).Warn().
			Str("stored_tier", rec.Tier).
			Msg("Unrecognized stored tier; resolving to base")
	}
	return tier, nil
}

// Record returns the raw record, creating it with the base tier if absent.
func (a *Adapter) Record(ctx context.Context, identity string) (*registry.EntitlementRecord, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	rec, err := a.store.GetEntitlement(ctx, identity)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	if rec != nil {
		return rec, nil
	}

	now := a.now()
	rec = &registry.EntitlementRecord{
		Identity:  identity,
		Tier:      string(entitlements.TierBase),
		Source:    SourceDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = a.store.InsertEntitlement(ctx, rec)
	switch {
	case err == nil:
		logging.FromContext(logging.WithIdentity(ctx, identity)).Info().Msg("Created default entitlement")
		return rec, nil
	case errors.Is(err, registry.ErrDuplicate):
		// A concurrent request created the record first; theirs is authoritative.
		existing, readErr := a.store.GetEntitlement(ctx, identity)
		if readErr != nil {
			return nil, &StoreError{Op: "get", Err: readErr}
		}
		if existing == nil {
			return nil, &StoreError{Op: "get", Err: registry.ErrNotFound}
		}
		return existing, nil
	default:
		return nil, &StoreError{Op: "insert", Err: err}
	}
}

// SetTier writes tier for identity as a single update, creating the record
// when it does not exist yet.
func (a *Adapter) SetTier(ctx context.Context, identity string, tier entitlements.Tier, source string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	now := a.now()
	err := a.store.UpdateEntitlementTier(ctx, identity, string(tier), source, now)
	if errors.Is(err, registry.ErrNotFound) {
		err = a.store.InsertEntitlement(ctx, &registry.EntitlementRecord{
			Identity:  identity,
			Tier:      string(tier),
			Source:    source,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if errors.Is(err, registry.ErrDuplicate) {
			err = a.store.UpdateEntitlementTier(ctx, identity, string(tier), source, now)
		}
	}
	if err != nil {
		return &StoreError{Op: "set", Err: err}
	}

	metrics.EntitlementChangesTotal.WithLabelValues(source, string(tier)).Inc()
	logging.FromContext(logging.WithIdentity(ctx, identity)).Info().
		Str("tier", string(tier)).
		Str("source", source).
		Msg("Entitlement tier updated")
	return nil
}
