package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/core"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// AdminLedger is the mutation surface for operator token adjustments.
// Implemented by billing.Ledger.
type AdminLedger interface {
	GetOrCreateBalance(ctx context.Context, userID string) (*types.TokenBalance, error)
	Add(ctx context.Context, userID string, tokens int64, txType types.TransactionType, meta types.Metadata) (bool, error)
	Deduct(ctx context.Context, userID string, tokens int64, txType types.TransactionType, videoID *string, meta types.Metadata) (bool, error)
}

// SyncRunner repairs a user's ledger against their subscription. Implemented
// by billing.Reconciler.
type SyncRunner interface {
	EnsureTokensSynced(ctx context.Context, userID string) (bool, error)
}

// AdminHandler serves operator endpoints for manual grants, test deductions
// with an overage preview, and on-demand ledger repair. The route group is
// gated by core.RequireAdminKey at mount time.
type AdminHandler struct {
	ledger  AdminLedger
	subs    SubscriptionReader
	catalog PlanCatalog
	sync    SyncRunner
	logger  *slog.Logger
}

// NewAdminHandler wires the admin endpoints.
func NewAdminHandler(
	ledger AdminLedger,
	subs SubscriptionReader,
	catalog PlanCatalog,
	sync SyncRunner,
	logger *slog.Logger,
) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		ledger:  ledger,
		subs:    subs,
		catalog: catalog,
		sync:    sync,
		logger:  logger,
	}
}

// RegisterRoutes mounts the admin endpoints. The caller wraps the group in
// the admin-key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/tokens/grant", h.GrantTokens)
	r.Post("/admin/tokens/deduct", h.DeductTokens)
	r.Post("/admin/sync/{userID}", h.SyncUser)
}

type adminTokenRequest struct {
	UserID string `json:"user_id"`
	Tokens int64  `json:"tokens"`
	Reason string `json:"reason,omitempty"`
}

func (req *adminTokenRequest) validate() error {
	if req.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	if req.Tokens <= 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "tokens must be positive", nil)
	}
	return nil
}

// GrantTokens credits tokens to a user. The grant raises the monthly
// baseline so it never reads as overage.
func (h *AdminHandler) GrantTokens(w http.ResponseWriter, r *http.Request) {
	var req adminTokenRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		core.Error(w, r, err)
		return
	}

	meta := types.Metadata{"admin": true}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	if _, err := h.ledger.Add(r.Context(), req.UserID, req.Tokens, types.TxAdminTest, meta); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin token grant",
		"user_id", req.UserID, "tokens", req.Tokens, "reason", req.Reason)

	bal, err := h.ledger.GetOrCreateBalance(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: bal})
}

// deductPreview describes what a test deduction did, including how much of
// it landed in billable overage.
type deductPreview struct {
	Allowed        bool  `json:"allowed"`
	IncludedTokens int64 `json:"included_tokens"`
	OverageTokens  int64 `json:"overage_tokens"`
	OverageCents   int64 `json:"overage_cents"`
	Remaining      int64 `json:"tokens_remaining"`
}

// DeductTokens performs a test deduction and reports the included/overage
// split it produced. A policy rejection (hard-limit plan without funds)
// comes back as allowed=false with an untouched balance, not as an error.
func (h *AdminHandler) DeductTokens(w http.ResponseWriter, r *http.Request) {
	var req adminTokenRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		core.Error(w, r, err)
		return
	}

	before, err := h.ledger.GetOrCreateBalance(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	meta := types.Metadata{"admin": true}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	allowed, err := h.ledger.Deduct(r.Context(), req.UserID, req.Tokens, types.TxAdminTest, nil, meta)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	preview := deductPreview{Allowed: allowed, Remaining: before.TokensRemaining}
	if allowed {
		included := min(req.Tokens, max(int64(0), before.TokensRemaining))
		preview.IncludedTokens = included
		preview.OverageTokens = req.Tokens - included
		preview.Remaining = before.TokensRemaining - included

		if preview.OverageTokens > 0 {
			if sub, subErr := h.subs.GetByUserID(r.Context(), req.UserID); subErr == nil && sub != nil {
				if plan, planErr := h.catalog.Get(r.Context(), sub.PlanType); planErr == nil {
					preview.OverageCents = preview.OverageTokens * plan.OverageUnitPriceCents
				}
			}
		}
	}

	h.logger.InfoContext(r.Context(), "admin token deduction",
		"user_id", req.UserID, "tokens", req.Tokens, "allowed", allowed)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: preview})
}

// SyncUser runs the self-healing ledger repair for one user.
func (h *AdminHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	synced, err := h.sync.EnsureTokensSynced(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"synced": synced}})
}
