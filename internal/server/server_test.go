package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/archive"
	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/cooldown"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/generation/backends"
	"github.com/markmilk20020610-art/monster-saas/internal/identity"
	"github.com/markmilk20020610-art/monster-saas/internal/orchestrator"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "admin-key"

type recordingQueue struct {
	mu    sync.Mutex
	items []billing.Notification
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, n billing.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, n)
	return nil
}

type fakeCheckout struct {
	identity string
	tier     entitlements.Tier
}

func (c *fakeCheckout) Create(_ context.Context, identity string, tier entitlements.Tier) (string, error) {
	c.identity, c.tier = identity, tier
	return "https://checkout.stripe.com/c/pay/cs_test_1", nil
}

type permanentFailure struct{}

func (permanentFailure) Name() string { return "broken" }

func (permanentFailure) Generate(context.Context, generation.Request) (*generation.Response, error) {
	return nil, generation.Permanent("broken", "forbidden", nil)
}

type fixture struct {
	handler    http.Handler
	deps       *Deps
	queue      *recordingQueue
	checkout   *fakeCheckout
	dispatcher *generation.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registry.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	d, err := generation.NewDispatcher([]generation.Candidate{
		{Descriptor: generation.Descriptor{Name: "static", Kind: "static", Timeout: time.Second}, Backend: backends.NewStatic("static")},
	}, generation.BackoffConfig{})
	require.NoError(t, err)

	tiers := entitlement.NewAdapter(store)
	queue := &recordingQueue{}
	checkout := &fakeCheckout{}
	deps := &Deps{
		Config:       &config.Config{AdminKey: testAdminKey},
		Store:        store,
		Orchestrator: orchestrator.New(cooldown.NewMemoryGuard(time.Minute), tiers, d),
		Entitlements: tiers,
		Archive:      archive.NewService(store),
		Dispatcher:   d,
		Auth:         identity.HeaderAuthenticator{},
		Queue:        queue,
		Checkout:     checkout,
		Version:      "test",
	}
	return &fixture{
		handler:    Handler(deps),
		deps:       deps,
		queue:      queue,
		checkout:   checkout,
		dispatcher: d,
	}
}

func (f *fixture) do(t *testing.T, method, path, who string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if who != "" {
		req.Header.Set(identity.DevHeader, who)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGenerateThenCooldown(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generate", "alice", map[string]any{"concept": "a moth that eats light"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[orchestrator.Result](t, rec)
	assert.Equal(t, entitlements.TierBase, res.Tier)
	assert.Len(t, res.Documents, 1)
	assert.Equal(t, "static", res.Backend)

	rec = f.do(t, http.MethodPost, "/api/generate", "alice", map[string]any{"concept": "again"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGenerateRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generate", "bob", map[string]any{"concept": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/generate", "bob", map[string]any{"concept": "x", "tier": "premium"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields such as a client-supplied tier are refused")

	rec = f.do(t, http.MethodPost, "/api/generate", "", map[string]any{"concept": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateExhaustedIsServiceUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Replace([]generation.Candidate{
		{Descriptor: generation.Descriptor{Name: "broken", Timeout: time.Second}, Backend: permanentFailure{}},
	}))

	rec := f.do(t, http.MethodPost, "/api/generate", "carol", map[string]any{"concept": "gill wolf"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "forbidden")
}

func TestAdminTierOverrideIsVisibleToNextRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/entitlement", "dave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlements.TierBase, decode[entitlementResponse](t, rec).Tier)

	rec = f.do(t, http.MethodPut, "/admin/entitlements/dave", "", map[string]string{"tier": "premium"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.admin(t, http.MethodPut, "/admin/entitlements/dave", map[string]string{"tier": "premium"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "premium", decode[registry.EntitlementRecord](t, rec).Tier)

	rec = f.admin(t, http.MethodPut, "/admin/entitlements/dave", map[string]string{"tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/entitlement", "dave", nil)
	got := decode[entitlementResponse](t, rec)
	assert.Equal(t, entitlements.TierPremium, got.Tier)
	assert.Equal(t, 3, got.Policy.BatchSize)

	rec = f.do(t, http.MethodPost, "/api/generate", "dave", map[string]any{"concept": "tidal saint"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[orchestrator.Result](t, rec).Documents, 3)

	rec = f.admin(t, http.MethodGet, "/admin/entitlements/dave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlement.SourceAdmin, decode[registry.EntitlementRecord](t, rec).Source)
}

func TestArchiveRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/archive", "erin", saveRequest{Title: "Specimen 7", Content: "FILE VG-00007\nBody"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[registry.ArchiveEntry](t, rec)
	assert.NotEmpty(t, saved.ID)

	rec = f.do(t, http.MethodPost, "/api/archive", "erin", saveRequest{Title: "Empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/archive?limit=5", "erin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Entries []registry.ArchiveEntry `json:"entries"`
		Count   int                     `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodGet, "/api/archive?limit=-1", "erin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/archive", "frank", nil)
	assert.Equal(t, 0, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = f.do(t, http.MethodGet, "/api/archive/"+saved.ID+"/pdf", "erin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = f.do(t, http.MethodGet, "/api/archive/"+saved.ID+"/pdf", "frank", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBillingRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/billing/checkout", "gina", checkoutRequest{Tier: "base"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/billing/checkout", "gina", checkoutRequest{Tier: "Elevated"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gina", f.checkout.identity)
	assert.Equal(t, entitlements.TierElevated, f.checkout.tier)

	rec = f.do(t, http.MethodGet, "/billing/return?session_id=cs_test_1", "gina", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Len(t, f.queue.items, 1)
	assert.Equal(t, billing.Notification{Reference: "cs_test_1", Identity: "gina", Source: billing.SourceReturn}, f.queue.items[0])

	// The return visit never changes the tier on its own.
	rec = f.do(t, http.MethodGet, "/api/entitlement", "gina", nil)
	assert.Equal(t, entitlements.TierBase, decode[entitlementResponse](t, rec).Tier)

	f.queue.err = billing.ErrQueueFull
	rec = f.do(t, http.MethodGet, "/billing/return?session_id=cs_test_2", "gina", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/billing/return", "gina", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingDisabled(t *testing.T) {
	f := newFixture(t)
	f.deps.Checkout = nil
	f.deps.Queue = nil
	h := Handler(f.deps)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", strings.NewReader(`{"tier":"premium"}`))
	req.Header.Set(identity.DevHeader, "hank")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperationalRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.admin(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vanguard_")

	rec = f.admin(t, http.MethodGet, "/admin/backends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	backendsResp := decode[struct {
		Backends []generation.Descriptor `json:"backends"`
	}](t, rec)
	require.Len(t, backendsResp.Backends, 1)
	assert.Equal(t, "static", backendsResp.Backends[0].Name)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestReadyzReportsStoreFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	handleReadyz(failingPinger{})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	rl := NewIPRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(time.Minute + time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.9")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestServeStopsOnCancelAndTaskFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.NotFoundHandler(), Task{Name: "idle", Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}})
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	boom := errors.New("boom")
	err = Serve(context.Background(), ln, http.NotFoundHandler(), Task{Name: "broken", Run: func(context.Context) error { return boom }})
	assert.ErrorIs(t, err, boom)
}
