package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// subscriptionColumns is the column list scanned into a types.SubscriptionRecord.
const subscriptionColumns = `user_id, plan_type, status, provider_subscription_id,
	        provider_customer_id, COALESCE(metered_item_id, ''), current_period_start,
	        current_period_end, cancel_at_period_end, preserved_tokens_balance,
	        preserved_plan_type, created_at, updated_at`

// SubscriptionRepo manages the one-row-per-user subscription records.
//
// Plan switches REPLACE the row (Delete + Upsert of a fresh record) rather
// than updating in place; the unique constraint on user_id is what enforces
// the at-most-one-subscription invariant.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// GetByUserID returns the user's subscription record, or (nil, nil) when the
// user has none. Absence is an expected state, not an error.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	return scanSubscription(row)
}

// GetByProviderSubID resolves a provider subscription ID to the local record,
// or (nil, nil) when unknown.
func (r *SubscriptionRepo) GetByProviderSubID(ctx context.Context, subID string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE provider_subscription_id = $1`,
		subID,
	)
	return scanSubscription(row)
}

// Upsert writes the record, replacing any existing row for the user. The
// preserved_* fields are carried from the incoming record so transitions
// through the unlimited plan keep their restore bookkeeping.
func (r *SubscriptionRepo) Upsert(ctx context.Context, rec *types.SubscriptionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (user_id, plan_type, status, provider_subscription_id, provider_customer_id,
		    metered_item_id, current_period_start, current_period_end, cancel_at_period_end,
		    preserved_tokens_balance, preserved_plan_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan_type = EXCLUDED.plan_type,
		   status = EXCLUDED.status,
		   provider_subscription_id = EXCLUDED.provider_subscription_id,
		   provider_customer_id = EXCLUDED.provider_customer_id,
		   metered_item_id = EXCLUDED.metered_item_id,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   preserved_tokens_balance = EXCLUDED.preserved_tokens_balance,
		   preserved_plan_type = EXCLUDED.preserved_plan_type,
		   updated_at = NOW()`,
		rec.UserID,
		rec.PlanType,
		rec.Status,
		rec.ProviderSubscriptionID,
		rec.ProviderCustomerID,
		nullIfEmpty(rec.MeteredItemID),
		rec.CurrentPeriodStart,
		rec.CurrentPeriodEnd,
		rec.CancelAtPeriodEnd,
		rec.PreservedTokensBalance,
		rec.PreservedPlanType,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription record", err)
	}
	return nil
}

// UpdateStatus sets only the subscription status. Used by the webhook path
// for subscription.deleted, which must not touch tokens or periods.
func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, userID string, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE user_id = $2`,
		status, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription record for user", nil)
	}
	return nil
}

// Delete removes the user's subscription row. Deleting before recreating is
// how plan switches dodge the user_id unique-constraint collision.
func (r *SubscriptionRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscription record", err)
	}
	return nil
}

// ListExpiredPeriods returns user IDs whose entitled subscriptions have a
// current_period_end in the past. The sweeper feeds these through the
// reconciler to catch renewals whose webhooks were missed.
func (r *SubscriptionRepo) ListExpiredPeriods(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM subscriptions
		 WHERE status IN ($1, $2)
		   AND current_period_end IS NOT NULL
		   AND current_period_end < $3
		 ORDER BY current_period_end ASC
		 LIMIT $4`,
		types.SubStatusActive, types.SubStatusTrialing, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired periods", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan expired period row", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating expired period rows", err)
	}
	return userIDs, nil
}

// ListDailyAccrual returns user IDs on daily-accrual plans with entitled
// subscriptions, for the daily grant sweep.
func (r *SubscriptionRepo) ListDailyAccrual(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM subscriptions
		 WHERE plan_type = $1
		   AND status IN ($2, $3)
		 ORDER BY user_id
		 LIMIT $4`,
		types.PlanFreeDaily, types.SubStatusActive, types.SubStatusTrialing, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list daily accrual subscriptions", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan daily accrual row", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating daily accrual rows", err)
	}
	return userIDs, nil
}

// scanSubscription maps a row to a SubscriptionRecord, translating
// pgx.ErrNoRows to (nil, nil).
func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var rec types.SubscriptionRecord
	err := row.Scan(
		&rec.UserID,
		&rec.PlanType,
		&rec.Status,
		&rec.ProviderSubscriptionID,
		&rec.ProviderCustomerID,
		&rec.MeteredItemID,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.PreservedTokensBalance,
		&rec.PreservedPlanType,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription record", err)
	}
	return &rec, nil
}
