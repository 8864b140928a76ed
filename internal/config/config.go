// Package config loads service configuration from the environment and the
// backends file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	EnvProduction = "production"
)

// Config holds all runtime configuration.
type Config struct {
	Environment    string
	BindAddress    string
	Port           int
	BaseURL        string
	DataDir        string
	Store          string
	DatabaseURL    string
	AdminKey       string
	PublicMetrics  bool
	LogLevel       string
	LogFormat      string
	BackendsFile   string
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	CooldownInterval time.Duration
	CooldownRedisURL string

	OIDCIssuerURL     string
	OIDCClientID      string
	OIDCClientSecret  string
	OIDCRedirectURL   string
	DevIdentityHeader bool

	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceElevated string
	StripePricePremium  string
	StripeCurrency      string

	OTLPEndpoint     string
	ReconcileWorkers int
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// OIDCEnabled reports whether an identity provider is configured.
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuerURL != "" && c.OIDCClientID != ""
}

// StripeEnabled reports whether payment reconciliation can run.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != "" && c.StripeWebhookSecret != ""
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("VANGUARD_PORT", 8480)
	if err != nil {
		return nil, err
	}
	workers, err := envOrDefaultInt("RECONCILE_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	cooldown, err := envOrDefaultDuration("COOLDOWN_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	backoffInitial, err := envOrDefaultDuration("DISPATCH_BACKOFF_INITIAL", 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	backoffMax, err := envOrDefaultDuration("DISPATCH_BACKOFF_MAX", 2*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("VANGUARD_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	devIdentity, err := envOrDefaultBool("DEV_IDENTITY_HEADER", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:    envOrDefault("VANGUARD_ENV", "development"),
		BindAddress:    envOrDefault("VANGUARD_BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		BaseURL:        envOrDefault("VANGUARD_BASE_URL", "http://localhost:8480"),
		DataDir:        envOrDefault("VANGUARD_DATA_DIR", "./data"),
		Store:          strings.ToLower(envOrDefault("VANGUARD_STORE", StoreSQLite)),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AdminKey:       strings.TrimSpace(os.Getenv("VANGUARD_ADMIN_KEY")),
		PublicMetrics:  publicMetrics,
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "auto"),
		BackendsFile:   strings.TrimSpace(os.Getenv("BACKENDS_FILE")),
		BackoffInitial: backoffInitial,
		BackoffMax:     backoffMax,

		CooldownInterval: cooldown,
		CooldownRedisURL: strings.TrimSpace(os.Getenv("COOLDOWN_REDIS_URL")),

		OIDCIssuerURL:     strings.TrimSpace(os.Getenv("OIDC_ISSUER_URL")),
		OIDCClientID:      strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		OIDCClientSecret:  strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET")),
		OIDCRedirectURL:   strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL")),
		DevIdentityHeader: devIdentity,

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceElevated: strings.TrimSpace(os.Getenv("STRIPE_PRICE_ELEVATED")),
		StripePricePremium:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_PREMIUM")),
		StripeCurrency:      strings.ToLower(envOrDefault("STRIPE_CURRENCY", "usd")),

		OTLPEndpoint:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ReconcileWorkers: workers,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "VANGUARD_ADMIN_KEY")
	}
	if c.Store == StorePostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.OIDCIssuerURL != "" && c.OIDCClientID == "" {
		missing = append(missing, "OIDC_CLIENT_ID")
	}
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("VANGUARD_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Store != StoreSQLite && c.Store != StorePostgres {
		return fmt.Errorf("VANGUARD_STORE must be %q or %q, got %q", StoreSQLite, StorePostgres, c.Store)
	}
	if c.CooldownInterval <= 0 {
		return fmt.Errorf("COOLDOWN_INTERVAL must be greater than 0, got %s", c.CooldownInterval)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("DISPATCH_BACKOFF_MAX (%s) must be at least DISPATCH_BACKOFF_INITIAL (%s), both positive", c.BackoffMax, c.BackoffInitial)
	}
	if c.ReconcileWorkers < 1 {
		return fmt.Errorf("RECONCILE_WORKERS must be at least 1, got %d", c.ReconcileWorkers)
	}
	if c.DevIdentityHeader && c.IsProduction() {
		return fmt.Errorf("DEV_IDENTITY_HEADER cannot be enabled when VANGUARD_ENV=production")
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("VANGUARD_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("VANGUARD_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("VANGUARD_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration such as 5s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
