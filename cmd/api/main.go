// Package main is the entry point for the hopper billing API server.
//
// It loads configuration, connects Postgres and Redis, wires the billing
// services onto the HTTP chassis (middleware, routing, health checks), and
// serves until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/the3venthoriz0n/hopper-sub000/internal/api/handlers"
	"github.com/the3venthoriz0n/hopper-sub000/internal/billing"
	"github.com/the3venthoriz0n/hopper-sub000/internal/config"
	"github.com/the3venthoriz0n/hopper-sub000/internal/core"
	"github.com/the3venthoriz0n/hopper-sub000/internal/db"
	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("hopper billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPgxPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting postgres: %w", err)
	}

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		pool.Close()
		return fmt.Errorf("connecting redis: %w", err)
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(func() error { pool.Close(); return nil })
	srv.OnShutdown(redisClient.Close)

	// Repositories.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool, logger)
	eventRepo := db.NewWebhookEventRepo(pool)
	userRepo := db.NewUserBillingRepo(pool)

	// Provider client and billing services.
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
	orchestrator := billing.NewOrchestrator(
		stripeClient, subRepo, userRepo, ledger, catalog, logger)

	// Handlers.
	billingHandler := handlers.NewBillingHandler(
		ledger, orchestrator, catalog, subRepo, ledgerRepo, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{}, reconciler, cfg.Billing.StripeWebhookSecret, logger)
	adminHandler := handlers.NewAdminHandler(ledger, subRepo, catalog, reconciler, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)
	if adminKey := cfg.Server.AdminKey.Unmask(); adminKey != "" {
		srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(core.RequireAdminKey(adminKey))
				adminHandler.RegisterRoutes(r)
			})
		})
	} else {
		logger.Warn("ADMIN_API_KEY not set; admin routes disabled")
	}

	srv.HealthCheckers = append(srv.HealthCheckers,
		core.CheckFunc{CheckName: "postgres", Fn: pool.Ping},
		core.CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	)

	srv.MountRoutes()

	return serveHTTP(srv, cfg, logger)
}

// serveHTTP runs the HTTP listener with graceful shutdown on SIGINT/SIGTERM.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newPgxPool opens the Postgres pool with the configured tuning and verifies
// connectivity before startup proceeds.
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

// newRedisClient connects the Redis client used by the lease locker.
func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = cfg.ConnectTimeout
	return redis.NewClient(opts), nil
}

// newLogger builds the process-wide JSON logger at the configured level.
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
