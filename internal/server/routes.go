// Package server exposes the generation service over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/archive"
	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/identity"
	"github.com/markmilk20020610-art/monster-saas/internal/orchestrator"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckoutCreator starts a hosted checkout for a tier and returns its URL.
type CheckoutCreator interface {
	Create(ctx context.Context, identity string, tier entitlements.Tier) (string, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *config.Config
	Store        Pinger
	Orchestrator *orchestrator.Service
	Entitlements *entitlement.Adapter
	Archive      *archive.Service
	Dispatcher   *generation.Dispatcher
	Auth         identity.Authenticator
	OIDC         *identity.OIDC  // nil when no identity provider is configured
	Queue        billing.Queue   // nil when billing is disabled
	Checkout     CheckoutCreator // nil when billing is disabled
	Webhook      http.Handler    // nil when billing is disabled
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto mux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return adminKeyMiddleware(deps.Config.AdminKey, next)
	}
	userAuth := identity.Middleware(deps.Auth)

	// Health / readiness are unauthenticated probes.
	mux.HandleFunc("GET /healthz", handleHealthz(deps.Version))
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Identity provider login.
	if deps.OIDC != nil {
		mux.HandleFunc("GET /auth/login", deps.OIDC.LoginHandler)
		mux.HandleFunc("GET /auth/callback", deps.OIDC.CallbackHandler)
	}

	// Caller API (identity-authenticated)
	mux.Handle("POST /api/generate", userAuth(handleGenerate(deps.Orchestrator)))
	mux.Handle("GET /api/entitlement", userAuth(handleEntitlement(deps.Orchestrator)))
	mux.Handle("POST /api/archive", userAuth(handleArchiveSave(deps.Archive)))
	mux.Handle("GET /api/archive", userAuth(handleArchiveList(deps.Archive)))
	mux.Handle("GET /api/archive/{id}/pdf", userAuth(handleArchivePDF(deps.Archive)))

	// Billing
	mux.Handle("POST /api/billing/checkout", userAuth(handleCheckout(deps.Checkout)))
	mux.Handle("GET /billing/return", userAuth(handleBillingReturn(deps.Queue)))
	webhook := deps.Webhook
	if webhook == nil {
		webhook = billing.NewWebhookHandler("", nil)
	}
	mux.Handle("POST /api/stripe/webhook", NewIPRateLimiter(webhookRateLimit, webhookRateWindow).Middleware(webhook))

	// Admin API (key-authenticated)
	mux.Handle("GET /admin/entitlements/{identity}", adminAuth(handleAdminGetEntitlement(deps.Entitlements)))
	mux.Handle("PUT /admin/entitlements/{identity}", adminAuth(handleAdminSetEntitlement(deps.Entitlements)))
	mux.Handle("GET /admin/backends", adminAuth(handleAdminBackends(deps.Dispatcher)))
}

// Handler builds the complete HTTP handler for deps.
func Handler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return withRequestID(mux)
}
