// Package main is the entry point for the hopper billing sweeper: the
// long-running worker that repairs ledgers for lapsed billing periods,
// applies daily accrual grants, and keeps the plan catalog fresh. It shares
// the billing wiring with the API server but exposes no HTTP surface beyond
// its own process lifecycle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/the3venthoriz0n/hopper-sub000/internal/billing"
	"github.com/the3venthoriz0n/hopper-sub000/internal/config"
	"github.com/the3venthoriz0n/hopper-sub000/internal/db"
	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/locks"
	"github.com/the3venthoriz0n/hopper-sub000/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("hopper billing sweeper starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"period_interval", cfg.Sweeper.PeriodSweepInterval,
		"daily_interval", cfg.Sweeper.DailyGrantInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPgxPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	defer redisClient.Close()

	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool, logger)
	eventRepo := db.NewWebhookEventRepo(pool)
	userRepo := db.NewUserBillingRepo(pool)

	httpClient := &http.Client{Timeout: cfg.Billing.RequestTimeout}
	stripeClient := external.NewStripeClient(httpClient, userRepo, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		Logger:    logger,
	})

	catalog := billing.NewCatalog(
		stripeClient,
		cfg.Billing.PriceIDs(),
		cfg.Billing.PriceOverage,
		cfg.Billing.CatalogSyncPeriod,
		logger,
	)
	reporter := billing.NewReporter(stripeClient, logger)
	ledger := billing.NewLedger(ledgerRepo, subRepo, catalog, reporter, logger)
	detector := billing.NewRenewalDetector(logger)
	reconciler := billing.NewReconciler(
		eventRepo, subRepo, userRepo, ledger, ledgerRepo, catalog, detector, logger)

	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{
		Subs:                subRepo,
		Syncer:              reconciler,
		Catalog:             catalog,
		Locker:              locks.NewLocker(redisClient, logger),
		PeriodSweepInterval: cfg.Sweeper.PeriodSweepInterval,
		DailyGrantInterval:  cfg.Sweeper.DailyGrantInterval,
		CatalogSyncPeriod:   cfg.Billing.CatalogSyncPeriod,
		BatchLimit:          cfg.Sweeper.BatchLimit,
		Logger:              logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	logger.Info("sweeper stopped cleanly")
	return nil
}

// newPgxPool opens the Postgres pool with the configured tuning and verifies
// connectivity before the loops start.
func newPgxPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// newRedisClient connects the Redis client backing the sweep lease locks.
func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = cfg.ConnectTimeout
	return redis.NewClient(opts), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
