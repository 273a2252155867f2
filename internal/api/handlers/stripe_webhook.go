// Package handlers contains the HTTP handlers for the hopper billing API.
// Handlers are thin: they validate transport-level concerns (signatures,
// body shape, identifiers) and delegate to the billing services, with the
// service contracts defined locally and injected via constructors.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/core"
	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// maxWebhookBodySize caps webhook payloads. Provider events are a few KB;
// the cap only exists to bound hostile input.
const maxWebhookBodySize = 1 << 20

// EventProcessor consumes a verified webhook payload exactly once per event
// ID. Implemented by billing.Reconciler.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, payload []byte) (processed bool, err error)
}

// StripeWebhookHandler receives billing-provider webhook deliveries.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	secret    types.SecretString
	logger    *slog.Logger
}

// NewStripeWebhookHandler wires the webhook receiver.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	processor EventProcessor,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies the delivery signature and hands the payload to the
// processor.
//
// Response contract: 401 on signature failure (misconfiguration, not worth
// the provider retrying forever), 400 when the payload cannot even be
// identified, otherwise 200 — the processor marks the event before its
// single processing attempt, so a non-2xx would only trigger a redelivery
// that immediately dedups. Processing failures are logged and repaired by
// the reconciliation sweep, not by provider retries.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to read webhook body",
			err,
		))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing webhook signature header",
			nil,
		))
		return
	}
	if err := h.verifier.Verify(payload, sig, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"invalid webhook signature",
			err,
		))
		return
	}

	processed, err := h.processor.ProcessEvent(r.Context(), payload)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusBadRequest {
			core.Error(w, r, appErr)
			return
		}
		h.logger.ErrorContext(r.Context(), "webhook processing failed, acknowledging anyway",
			"error", err)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{
		"received":  true,
		"processed": processed,
	}})
}
