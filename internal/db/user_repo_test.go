package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func TestUserBillingRepo_GetBillingInfo(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserBillingRepo(db)

	cust := "cus_1"
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(**string) = &cust
			*dest[1].(*string) = "creator@example.com"
			return nil
		}})

	customerID, email, err := repo.GetBillingInfo(context.Background(), "u_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)
	assert.Equal(t, "creator@example.com", email)
}

func TestUserBillingRepo_GetBillingInfo_UserNotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserBillingRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, _, err := repo.GetBillingInfo(context.Background(), "u_ghost")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserBillingRepo_AttachCustomerID_Idempotent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserBillingRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.AttachCustomerID(context.Background(), "u_1", "cus_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUserBillingRepo_AttachCustomerID_ConflictingCustomer(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserBillingRepo(db)

	other := "cus_other"
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(**string) = &other
			return nil
		}})

	err := repo.AttachCustomerID(context.Background(), "u_1", "cus_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
	assert.Equal(t, "cus_other", appErr.Details["attached_customer_id"])
}

func TestUserBillingRepo_GetUserIDByCustomer_Unknown(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserBillingRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	userID, err := repo.GetUserIDByCustomer(context.Background(), "cus_stranger")
	require.NoError(t, err)
	assert.Empty(t, userID)
}
