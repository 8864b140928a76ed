// Package archive saves generated documents per identity and lists them back
// newest first.
package archive

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	maxTitleRunes   = 200
	maxContentBytes = 256 << 10
	untitled        = "Untitled specimen"
)

var (
	// ErrNotFound is returned by Get for a missing entry or one owned by someone else.
	ErrNotFound = errors.New("archive: entry not found")
	// ErrInvalidEntry wraps every validation failure on Save.
	ErrInvalidEntry = errors.New("archive: invalid entry")
)

// Entry is a saved document.
type Entry = registry.ArchiveEntry

// Store is the subset of registry.Store the archive needs.
type Store interface {
	InsertArchiveEntry(ctx context.Context, entry *registry.ArchiveEntry) error
	ListArchiveEntries(ctx context.Context, owner string, limit int) ([]*registry.ArchiveEntry, error)
	GetArchiveEntry(ctx context.Context, owner, id string) (*registry.ArchiveEntry, error)
}

// Service validates and persists archive entries.
type Service struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewService creates a Service over store.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *Service) newID(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Save stores content under identity. Nothing is archived implicitly; callers
// decide what to keep.
func (s *Service) Save(ctx context.Context, identity, title, content string) (*Entry, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidEntry)
	}
	if len(content) > maxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidEntry, maxContentBytes)
	}

	now := s.now().UTC()
	id, err := s.newID(now)
	if err != nil {
		return nil, fmt.Errorf("generate archive id: %w", err)
	}

	entry := &Entry{
		ID:        id,
		Owner:     identity,
		Title:     normalizeTitle(title),
		Content:   content,
		CreatedAt: now,
	}
	if err := s.store.InsertArchiveEntry(ctx, entry); err != nil {
		metrics.ArchiveWritesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save archive entry: %w", err)
	}
	metrics.ArchiveWritesTotal.WithLabelValues("saved").Inc()

	logging.FromContext(ctx).Info().
		Str("entry_id", entry.ID).
		Int("bytes", len(content)).
		Msg("Archived document")
	return entry, nil
}

// List returns the identity's entries, newest first. limit is clamped to
// [1, MaxListLimit]; zero means DefaultListLimit.
func (s *Service) List(ctx context.Context, identity string, limit int) ([]*Entry, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidEntry)
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	entries, err := s.store.ListArchiveEntries(ctx, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return entries, nil
}

// Get returns one of the identity's entries.
func (s *Service) Get(ctx context.Context, identity, id string) (*Entry, error) {
	entry, err := s.store.GetArchiveEntry(ctx, strings.TrimSpace(identity), strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("get archive entry: %w", err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func normalizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return untitled
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
