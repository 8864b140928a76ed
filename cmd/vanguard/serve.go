package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/markmilk20020610-art/monster-saas/internal/archive"
	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/cooldown"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/generation/backends"
	"github.com/markmilk20020610-art/monster-saas/internal/identity"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/orchestrator"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/markmilk20020610-art/monster-saas/internal/server"
	"github.com/markmilk20020610-art/monster-saas/internal/telemetry"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Baseline logger for early startup messages.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vanguard"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "vanguard"})
	log.Info().Str("version", Version).Str("env", cfg.Environment).Msg("Starting Vanguard")

	_, shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "vanguard", Version)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown error")
		}
	}()

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var tasks []server.Task

	guard, sweepable := buildGuard(cfg)
	tasks = append(tasks, server.Task{Name: "cooldown-sweeper", Run: func(ctx context.Context) error {
		return cooldown.RunSweeper(ctx, sweepable)
	}})

	httpClient := backends.NewHTTPClient()
	tasks = append(tasks, server.Task{Name: "dns-refresh", Run: func(ctx context.Context) error {
		return backends.RunDNSRefresh(ctx, backends.DefaultDNSRefresh)
	}})

	backendCfgs := config.DefaultBackends()
	if cfg.BackendsFile != "" {
		if backendCfgs, err = config.LoadBackends(cfg.BackendsFile); err != nil {
			return err
		}
	}
	candidates, err := backends.Build(backendCfgs, os.Getenv, httpClient)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}
	dispatcher, err := generation.NewDispatcher(candidates, generation.BackoffConfig{
		Initial: cfg.BackoffInitial,
		Max:     cfg.BackoffMax,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	if cfg.BackendsFile != "" {
		watcher := config.NewBackendsWatcher(cfg.BackendsFile, func(list []config.BackendConfig) error {
			cands, err := backends.Build(list, os.Getenv, httpClient)
			if err != nil {
				return err
			}
			return dispatcher.Replace(cands)
		})
		tasks = append(tasks, server.Task{Name: "backends-watcher", Run: watcher.Run})
	}

	tiers := entitlement.NewAdapter(store)

	auth, oidcAuth, err := buildAuth(ctx, cfg, tiers)
	if err != nil {
		return err
	}

	deps := &server.Deps{
		Config:       cfg,
		Store:        store,
		Orchestrator: orchestrator.New(guard, tiers, dispatcher),
		Entitlements: tiers,
		Archive:      archive.NewService(store),
		Dispatcher:   dispatcher,
		Auth:         auth,
		OIDC:         oidcAuth,
		Version:      Version,
	}

	if cfg.StripeEnabled() {
		stripeCfg := stripeConfig(cfg)
		reconciler := billing.NewReconciler(store, tiers, billing.NewStripeVerifier(stripeCfg))
		queue, run, err := buildQueue(cfg, pool, reconciler)
		if err != nil {
			return err
		}
		tasks = append(tasks, server.Task{Name: "reconcile-queue", Run: run})
		deps.Queue = queue
		deps.Webhook = billing.NewWebhookHandler(cfg.StripeWebhookSecret, queue)
		if len(stripeCfg.Prices) > 0 {
			deps.Checkout = billing.NewCheckoutCreator(stripeCfg, cfg.BaseURL)
		}
	} else {
		log.Warn().Msg("Stripe not configured; billing endpoints disabled")
	}

	err = server.Run(ctx, cfg.ListenAddr(), server.Handler(deps), tasks...)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Vanguard stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (registry.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := registry.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("Using Postgres store")
		return pg, pg.Pool(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := registry.OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("dir", cfg.DataDir).Msg("Using SQLite store")
		return st, nil, nil
	}
}

// buildGuard returns the request guard and the in-memory state the sweeper prunes.
func buildGuard(cfg *config.Config) (cooldown.Guard, *cooldown.MemoryGuard) {
	if cfg.CooldownRedisURL != "" {
		opts, err := redis.ParseURL(cfg.CooldownRedisURL)
		if err == nil {
			g := cooldown.NewRedisGuard(redis.NewClient(opts), cfg.CooldownInterval)
			log.Info().Msg("Using Redis cooldown guard")
			return g, g.Fallback()
		}
		log.Warn().Err(err).Msg("Invalid COOLDOWN_REDIS_URL; using in-memory cooldown guard")
	}
	g := cooldown.NewMemoryGuard(cfg.CooldownInterval)
	return g, g
}

func buildAuth(ctx context.Context, cfg *config.Config, tiers *entitlement.Adapter) (identity.Authenticator, *identity.OIDC, error) {
	var chain identity.Chain
	var oidcAuth *identity.OIDC

	if cfg.OIDCEnabled() {
		var err error
		oidcAuth, err = identity.NewOIDC(ctx, identity.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
		}, func(ctx context.Context, id string) error {
			_, err := tiers.Record(ctx, id)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, oidcAuth)
	}
	if cfg.DevIdentityHeader {
		log.Warn().Str("header", identity.DevHeader).Msg("Development identity header enabled; do not use in production")
		chain = append(chain, identity.HeaderAuthenticator{})
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("no authenticator configured: set OIDC_ISSUER_URL or DEV_IDENTITY_HEADER")
	}
	return chain, oidcAuth, nil
}

func stripeConfig(cfg *config.Config) billing.StripeConfig {
	prices := make(map[string]entitlements.Tier)
	if cfg.StripePriceElevated != "" {
		prices[cfg.StripePriceElevated] = entitlements.TierElevated
	}
	if cfg.StripePricePremium != "" {
		prices[cfg.StripePricePremium] = entitlements.TierPremium
	}
	return billing.StripeConfig{
		APIKey:   cfg.StripeAPIKey,
		Currency: cfg.StripeCurrency,
		Prices:   prices,
	}
}

// buildQueue uses river on Postgres so reconciliation survives restarts, and
// the in-process queue otherwise.
func buildQueue(cfg *config.Config, pool *pgxpool.Pool, r *billing.Reconciler) (billing.Queue, func(context.Context) error, error) {
	if pool != nil {
		q, err := billing.NewRiverQueue(pool, r, cfg.ReconcileWorkers)
		if err != nil {
			return nil, nil, fmt.Errorf("create river queue: %w", err)
		}
		log.Info().Msg("Using river reconcile queue")
		return q, q.Run, nil
	}
	q := billing.NewInProcessQueue(r, cfg.ReconcileWorkers)
	return q, q.Run, nil
}
