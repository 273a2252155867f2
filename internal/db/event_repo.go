package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// WebhookEventRepo persists the "seen events" records that make webhook
// processing idempotent under the provider's at-least-once delivery.
//
// The protocol is at-most-one FULL processing attempt per event ID:
//   - BeginProcessing inserts the event or fetches the existing record.
//     A record already marked processed short-circuits the caller.
//   - A record that exists but is not processed means a previous attempt
//     crashed mid-flight; the caller proceeds with a second attempt.
//   - MarkProcessed stamps the outcome (including an error message, if any)
//     so redeliveries never re-run a completed attempt.
type WebhookEventRepo struct {
	db DBTX
}

// NewWebhookEventRepo creates a WebhookEventRepo backed by the given
// database connection (pool or transaction).
func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// BeginProcessing records the event ID and reports whether it was already
// fully processed.
func (r *WebhookEventRepo) BeginProcessing(ctx context.Context, eventID, eventType string) (alreadyProcessed bool, err error) {
	_, err = r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, processed, received_at)
		 VALUES ($1, $2, FALSE, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}

	var processed bool
	err = r.db.QueryRow(ctx,
		`SELECT processed FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&processed)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook event state", err)
	}
	return processed, nil
}

// MarkProcessed stamps the event as processed, recording the processing
// error (if any) for later inspection. Called regardless of outcome so a
// failed attempt is never retried by this layer; the provider's own
// retry-with-backoff handles transport-level failures.
func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, eventID string, procErr error) error {
	errText := ""
	if procErr != nil {
		errText = procErr.Error()
	}
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE, error = NULLIF($1, ''), processed_at = NOW()
		 WHERE event_id = $2`,
		errText, eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	return nil
}

// Get returns the stored record for an event ID, or (nil, nil) when unseen.
func (r *WebhookEventRepo) Get(ctx context.Context, eventID string) (*types.WebhookEventRecord, error) {
	var rec types.WebhookEventRecord
	var errText *string
	var processedAt *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT event_id, event_type, processed, error, received_at, processed_at
		 FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&rec.EventID, &rec.EventType, &rec.Processed, &errText, &rec.ReceivedAt, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load webhook event", err)
	}
	if errText != nil {
		rec.Error = *errText
	}
	rec.ProcessedAt = processedAt
	return &rec, nil
}
