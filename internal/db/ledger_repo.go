package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// periodTolerance absorbs clock skew between the billing provider's period
// timestamps and the values we stored when a reset was first recorded.
const periodTolerance = 60 * time.Second

// balanceColumns is the column list scanned into a types.TokenBalance.
const balanceColumns = `user_id, tokens_remaining, tokens_used_this_period, monthly_tokens,
	        period_start, period_end, last_reset_at, updated_at`

// LedgerRepo owns the token_balances row per user and the append-only
// token_transactions log.
//
// Key invariants:
//   - Every balance mutation happens inside a transaction holding a
//     SELECT ... FOR UPDATE row lock, so two concurrent deducts for the same
//     user serialize instead of losing updates.
//   - The balance row and its transaction log entry commit atomically.
//   - Reset/grant dedup queries use the dedicated idempotency columns
//     (subscription_id, period_start, period_end), never the metadata blob.
type LedgerRepo struct {
	pool   Pool
	logger *slog.Logger
}

// NewLedgerRepo creates a LedgerRepo backed by the given connection pool.
func NewLedgerRepo(pool Pool, logger *slog.Logger) *LedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{pool: pool, logger: logger}
}

// GetOrCreateBalance returns the user's TokenBalance, lazily inserting a
// zeroed row on first access. Idempotent; no error on repeat calls.
func (r *LedgerRepo) GetOrCreateBalance(ctx context.Context, userID string) (*types.TokenBalance, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO token_balances (user_id, updated_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure token balance row", err)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+`
		 FROM token_balances WHERE user_id = $1`,
		userID,
	)
	bal, err := scanBalance(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load token balance", err)
	}
	return bal, nil
}

// MutateBalance runs fn against the user's balance under a row lock.
//
// fn receives the current balance (a zeroed row is created if the user has
// none yet) and may mutate it in place. It returns the ledger transaction to
// append (nil for balance-only corrections), whether to persist at all, and
// an error. When apply is false the enclosing database transaction is rolled
// back and nothing is written — this is the policy-rejection path.
func (r *LedgerRepo) MutateBalance(
	ctx context.Context,
	userID string,
	fn func(b *types.TokenBalance) (entry *types.TokenTransaction, apply bool, err error),
) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin ledger transaction", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO token_balances (user_id, updated_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure token balance row", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+balanceColumns+`
		 FROM token_balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	)
	bal, err := scanBalance(row)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to lock token balance", err)
	}

	entry, apply, err := fn(bal)
	if err != nil {
		return err
	}
	if !apply {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE token_balances
		 SET tokens_remaining = $1,
		     tokens_used_this_period = $2,
		     monthly_tokens = $3,
		     period_start = $4,
		     period_end = $5,
		     last_reset_at = $6,
		     updated_at = NOW()
		 WHERE user_id = $7`,
		bal.TokensRemaining,
		bal.TokensUsedThisPeriod,
		bal.MonthlyTokens,
		bal.PeriodStart,
		bal.PeriodEnd,
		bal.LastResetAt,
		userID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update token balance", err)
	}

	if entry != nil {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.UserID = userID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_transactions
			   (id, user_id, video_id, transaction_type, tokens,
			    balance_before, balance_after, subscription_id,
			    period_start, period_end, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			entry.ID,
			entry.UserID,
			entry.VideoID,
			entry.Type,
			entry.Tokens,
			entry.BalanceBefore,
			entry.BalanceAfter,
			nullIfEmpty(entry.SubscriptionID),
			entry.PeriodStart,
			entry.PeriodEnd,
			entry.Metadata,
			entry.CreatedAt,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger transaction", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit ledger transaction", err)
	}
	return nil
}

// HasResetForPeriod reports whether a reset transaction already exists for
// this subscription and billing period. Period bounds match within
// periodTolerance to absorb provider clock skew.
func (r *LedgerRepo) HasResetForPeriod(
	ctx context.Context,
	userID, subscriptionID string,
	periodStart, periodEnd time.Time,
) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM token_transactions
		   WHERE user_id = $1
		     AND transaction_type = $2
		     AND subscription_id = $3
		     AND period_start BETWEEN $4 AND $5
		     AND period_end BETWEEN $6 AND $7
		 )`,
		userID,
		types.TxReset,
		subscriptionID,
		periodStart.Add(-periodTolerance), periodStart.Add(periodTolerance),
		periodEnd.Add(-periodTolerance), periodEnd.Add(periodTolerance),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check reset dedup key", err)
	}
	return exists, nil
}

// HasDailyGrant reports whether a daily banked grant was already recorded for
// the given UTC day. Daily grants use period_start = UTC midnight of the
// grant day as their idempotency key.
func (r *LedgerRepo) HasDailyGrant(
	ctx context.Context,
	userID, subscriptionID string,
	day time.Time,
) (bool, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM token_transactions
		   WHERE user_id = $1
		     AND transaction_type = $2
		     AND subscription_id = $3
		     AND period_start = $4
		 )`,
		userID,
		types.TxGrant,
		subscriptionID,
		dayStart,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check daily grant dedup key", err)
	}
	return exists, nil
}

// QueuedTokenRequirement sums the token requirements of the user's queued
// videos that have not yet been charged. Free-tier queue gating uses this to
// stop users queuing more than they can afford.
func (r *LedgerRepo) QueuedTokenRequirement(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_required), 0)
		 FROM videos
		 WHERE user_id = $1
		   AND status = 'queued'
		   AND tokens_consumed = FALSE`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum queued token requirements", err)
	}
	return total, nil
}

// ListTransactions returns the user's most recent ledger entries, newest
// first. Used by the admin audit surface.
func (r *LedgerRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]types.TokenTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, video_id, transaction_type, tokens,
		        balance_before, balance_after, COALESCE(subscription_id, ''),
		        period_start, period_end, metadata, created_at
		 FROM token_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ledger transactions", err)
	}
	defer rows.Close()

	var result []types.TokenTransaction
	for rows.Next() {
		var t types.TokenTransaction
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.VideoID, &t.Type, &t.Tokens,
			&t.BalanceBefore, &t.BalanceAfter, &t.SubscriptionID,
			&t.PeriodStart, &t.PeriodEnd, &t.Metadata, &t.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger transaction", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger transactions", err)
	}
	return result, nil
}

// scanBalance scans the balanceColumns list into a TokenBalance.
func scanBalance(row interface{ Scan(dest ...any) error }) (*types.TokenBalance, error) {
	var b types.TokenBalance
	err := row.Scan(
		&b.UserID,
		&b.TokensRemaining,
		&b.TokensUsedThisPeriod,
		&b.MonthlyTokens,
		&b.PeriodStart,
		&b.PeriodEnd,
		&b.LastResetAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// nullIfEmpty maps an empty string to NULL so the dedup index only covers
// rows that actually carry a subscription key.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
