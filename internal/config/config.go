// Package config defines the global configuration structure for the hopper
// billing backend. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing backend.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"hopper-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain configurations
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Billing  BillingConfig
	Sweeper  SweeperConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`

	// AdminKey protects the /v1/admin routes. Empty disables them.
	AdminKey SecretString `envconfig:"ADMIN_API_KEY"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the connection settings for the distributed lease lock.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"5s"`
}

// BillingConfig holds payment-provider credentials and the price-ID mapping
// for each plan tier. Price IDs are environment-specific (test vs live mode)
// and therefore configured rather than hardcoded.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	PriceFree         string        `envconfig:"STRIPE_PRICE_FREE" default:"price_free"`
	PriceFreeDaily    string        `envconfig:"STRIPE_PRICE_FREE_DAILY" default:"price_free_daily"`
	PriceStarter      string        `envconfig:"STRIPE_PRICE_STARTER" default:"price_starter"`
	PriceCreator      string        `envconfig:"STRIPE_PRICE_CREATOR" default:"price_creator"`
	PriceUnlimited    string        `envconfig:"STRIPE_PRICE_UNLIMITED" default:"price_unlimited"`
	PriceOverage      string        `envconfig:"STRIPE_PRICE_OVERAGE" default:"price_overage"`
	CatalogSyncPeriod time.Duration `envconfig:"PLAN_CATALOG_SYNC_PERIOD" default:"15m"`

	RequestTimeout time.Duration `envconfig:"BILLING_REQUEST_TIMEOUT" default:"20s"`
}

// SweeperConfig holds tuning for the background reconciliation loops.
type SweeperConfig struct {
	PeriodSweepInterval time.Duration `envconfig:"SWEEP_PERIOD_INTERVAL" default:"1h"`
	DailyGrantInterval  time.Duration `envconfig:"SWEEP_DAILY_GRANT_INTERVAL" default:"1h"`
	BatchLimit          int           `envconfig:"SWEEP_BATCH_LIMIT" default:"100"`
}

// PriceIDs returns the configured plan-to-price mapping consumed by the plan
// catalog's static fallback.
func (b BillingConfig) PriceIDs() map[types.PlanType]string {
	return map[types.PlanType]string{
		types.PlanFree:      b.PriceFree,
		types.PlanFreeDaily: b.PriceFreeDaily,
		types.PlanStarter:   b.PriceStarter,
		types.PlanCreator:   b.PriceCreator,
		types.PlanUnlimited: b.PriceUnlimited,
	}
}
