// Package scheduler runs the background reconciliation loops for the hopper
// billing backend: the expired-period sweep that repairs ledgers whose
// renewal webhooks never arrived, the daily grant sweep for accrual plans,
// and the periodic plan catalog refresh. Each loop is single-flighted across
// replicas with a Redis lease so only one instance does the work per tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/locks"
)

const (
	periodSweepLockKey = "sweep:expired_periods"
	dailyGrantLockKey  = "sweep:daily_grants"

	// sweepLockTTL bounds how long a crashed sweeper blocks its peers. Long
	// enough for a full batch, short enough that a stuck replica does not
	// stall reconciliation for a whole interval.
	sweepLockTTL = 5 * time.Minute

	// lockCooldown is how long a replica sits out when another holds the
	// sweep lease.
	lockCooldown = 2 * time.Second
)

// SweepSource lists the users each sweep should visit. Implemented by
// db.SubscriptionRepo.
type SweepSource interface {
	// ListExpiredPeriods returns users whose subscription period has ended
	// without a recorded renewal.
	ListExpiredPeriods(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListDailyAccrual returns users on daily-accrual plans.
	ListDailyAccrual(ctx context.Context, limit int) ([]string, error)
}

// LedgerSyncer repairs one user's ledger against their subscription.
// Implemented by billing.Reconciler.
type LedgerSyncer interface {
	EnsureTokensSynced(ctx context.Context, userID string) (bool, error)
}

// CatalogRefresher re-reads plan prices from the billing provider.
// Implemented by billing.Catalog.
type CatalogRefresher interface {
	ForceRefresh(ctx context.Context) error
}

// SweeperConfig holds the dependencies and tuning for a Sweeper.
type SweeperConfig struct {
	Subs    SweepSource
	Syncer  LedgerSyncer
	Catalog CatalogRefresher

	// Locker single-flights sweeps across replicas. Nil disables locking;
	// sweeps are idempotent, so concurrent runs waste work but stay correct.
	Locker *locks.Locker

	PeriodSweepInterval time.Duration
	DailyGrantInterval  time.Duration
	CatalogSyncPeriod   time.Duration
	BatchLimit          int

	Logger *slog.Logger
}

// Sweeper owns the background reconciliation loops.
type Sweeper struct {
	subs    SweepSource
	syncer  LedgerSyncer
	catalog CatalogRefresher
	locker  *locks.Locker

	periodInterval  time.Duration
	dailyInterval   time.Duration
	catalogInterval time.Duration
	batchLimit      int

	logger *slog.Logger
}

// NewSweeper creates a Sweeper, applying defaults for zero tuning values.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PeriodSweepInterval <= 0 {
		cfg.PeriodSweepInterval = time.Hour
	}
	if cfg.DailyGrantInterval <= 0 {
		cfg.DailyGrantInterval = time.Hour
	}
	if cfg.CatalogSyncPeriod <= 0 {
		cfg.CatalogSyncPeriod = 15 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Sweeper{
		subs:            cfg.Subs,
		syncer:          cfg.Syncer,
		catalog:         cfg.Catalog,
		locker:          cfg.Locker,
		periodInterval:  cfg.PeriodSweepInterval,
		dailyInterval:   cfg.DailyGrantInterval,
		catalogInterval: cfg.CatalogSyncPeriod,
		batchLimit:      cfg.BatchLimit,
		logger:          logger,
	}
}

// Run drives all three loops until the context is canceled. Each loop fires
// once immediately so a fresh deploy repairs state without waiting out the
// first interval.
func (s *Sweeper) Run(ctx context.Context) error {
	periodTick := time.NewTicker(s.periodInterval)
	defer periodTick.Stop()
	dailyTick := time.NewTicker(s.dailyInterval)
	defer dailyTick.Stop()
	catalogTick := time.NewTicker(s.catalogInterval)
	defer catalogTick.Stop()

	s.runPeriodSweep(ctx)
	s.runDailyGrantSweep(ctx)
	s.RefreshCatalog(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-periodTick.C:
			s.runPeriodSweep(ctx)
		case <-dailyTick.C:
			s.runDailyGrantSweep(ctx)
		case <-catalogTick.C:
			s.RefreshCatalog(ctx)
		}
	}
}

func (s *Sweeper) runPeriodSweep(ctx context.Context) {
	s.withLease(ctx, periodSweepLockKey, func(ctx context.Context) {
		if _, err := s.SweepExpiredPeriods(ctx, time.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "expired-period sweep failed", "error", err)
		}
	})
}

func (s *Sweeper) runDailyGrantSweep(ctx context.Context) {
	s.withLease(ctx, dailyGrantLockKey, func(ctx context.Context) {
		if _, err := s.SweepDailyGrants(ctx); err != nil {
			s.logger.ErrorContext(ctx, "daily grant sweep failed", "error", err)
		}
	})
}

// withLease runs fn under the named Redis lease. When another replica holds
// it, this one sits out the tick: the holder is already doing the work.
func (s *Sweeper) withLease(ctx context.Context, key string, fn func(ctx context.Context)) {
	if s.locker == nil {
		fn(ctx)
		return
	}

	lease, waited, err := s.locker.AcquireOrWait(ctx, key, sweepLockTTL, lockCooldown)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep lock acquire failed", "key", key, "error", err)
		return
	}
	if waited {
		s.logger.DebugContext(ctx, "sweep already running elsewhere", "key", key)
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.DebugContext(ctx, "sweep lock release failed", "key", key, "error", err)
		}
	}()

	fn(ctx)
}

// SweepExpiredPeriods finds entitled subscriptions whose billing period has
// lapsed and runs the ledger repair for each. A failure on one user never
// blocks the rest of the batch. Returns the number of users whose ledger was
// actually changed.
func (s *Sweeper) SweepExpiredPeriods(ctx context.Context, now time.Time) (int, error) {
	userIDs, err := s.subs.ListExpiredPeriods(ctx, now, s.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	synced := s.syncEach(ctx, userIDs)
	s.logger.InfoContext(ctx, "expired-period sweep complete",
		"candidates", len(userIDs), "synced", synced)
	return synced, nil
}

// SweepDailyGrants runs the ledger repair for every user on a daily-accrual
// plan. The repair path applies the day's grant at most once, so re-running
// within the same day is a no-op.
func (s *Sweeper) SweepDailyGrants(ctx context.Context) (int, error) {
	userIDs, err := s.subs.ListDailyAccrual(ctx, s.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	synced := s.syncEach(ctx, userIDs)
	s.logger.InfoContext(ctx, "daily grant sweep complete",
		"candidates", len(userIDs), "synced", synced)
	return synced, nil
}

func (s *Sweeper) syncEach(ctx context.Context, userIDs []string) int {
	synced := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		changed, err := s.syncer.EnsureTokensSynced(ctx, userID)
		if err != nil {
			s.logger.ErrorContext(ctx, "ledger sync failed", "user_id", userID, "error", err)
			continue
		}
		if changed {
			synced++
		}
	}
	return synced
}

// RefreshCatalog re-reads the plan catalog from the billing provider. A
// failed refresh keeps the previous snapshot, so this only logs.
func (s *Sweeper) RefreshCatalog(ctx context.Context) {
	if err := s.catalog.ForceRefresh(ctx); err != nil {
		s.logger.WarnContext(ctx, "plan catalog refresh failed, keeping previous snapshot",
			"error", err)
	}
}
