package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// UserBillingRepo provides the minimal user-table access the billing core
// needs: resolving billing-provider customer IDs to users and back.
type UserBillingRepo struct {
	db DBTX
}

// NewUserBillingRepo creates a UserBillingRepo backed by the given database
// connection (pool or transaction).
func NewUserBillingRepo(db DBTX) *UserBillingRepo {
	return &UserBillingRepo{db: db}
}

// GetBillingInfo returns the provider customer ID and email for the user.
// Returns ("", email, nil) when the user exists but has no customer yet.
func (r *UserBillingRepo) GetBillingInfo(ctx context.Context, userID string) (customerID, email string, err error) {
	var cust *string
	err = r.db.QueryRow(ctx,
		`SELECT provider_customer_id, email FROM users WHERE id = $1`,
		userID,
	).Scan(&cust, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to load user billing info", err)
	}
	if cust != nil {
		customerID = *cust
	}
	return customerID, email, nil
}

// AttachCustomerID sets the provider customer ID on the user if not already
// set. Called from checkout.session.completed handling; a repeat attach with
// the same ID is a no-op.
func (r *UserBillingRepo) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET provider_customer_id = $1, updated_at = NOW()
		 WHERE id = $2
		   AND (provider_customer_id IS NULL OR provider_customer_id = $1)`,
		customerID, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach provider customer id", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the user does not exist or a DIFFERENT customer is attached.
		// The latter is a data-integrity anomaly worth surfacing.
		var existing *string
		if scanErr := r.db.QueryRow(ctx,
			`SELECT provider_customer_id FROM users WHERE id = $1`, userID,
		).Scan(&existing); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to check existing customer id", scanErr)
		}
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictConcurrent,
			"user already attached to a different provider customer",
			nil,
			map[string]any{"user_id": userID, "attached_customer_id": derefOrEmpty(existing)},
		)
	}
	return nil
}

// GetUserIDByCustomer resolves a provider customer ID to the local user ID,
// or ("", nil) when no user carries it.
func (r *UserBillingRepo) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE provider_customer_id = $1`,
		customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve customer id", err)
	}
	return userID, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
