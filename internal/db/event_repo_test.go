package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func TestWebhookEventRepo_BeginProcessing_NewEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			return nil
		}})

	processed, err := repo.BeginProcessing(context.Background(), "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.False(t, processed)
	db.AssertExpectations(t)
}

func TestWebhookEventRepo_BeginProcessing_Duplicate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	// ON CONFLICT DO NOTHING: zero rows inserted, record already processed.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	processed, err := repo.BeginProcessing(context.Background(), "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestWebhookEventRepo_BeginProcessing_CrashedMidProcessing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	// Record exists but was never marked processed: caller gets the go-ahead
	// for a second attempt.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			return nil
		}})

	processed, err := repo.BeginProcessing(context.Background(), "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWebhookEventRepo_MarkProcessed_WithError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		mock.MatchedBy(func(args []any) bool {
			return args[0].(string) == "plan not found for price price_x"
		}),
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkProcessed(context.Background(), "evt_1",
		errors.New("plan not found for price price_x"))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestWebhookEventRepo_MarkProcessed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.MarkProcessed(context.Background(), "evt_1", nil)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
