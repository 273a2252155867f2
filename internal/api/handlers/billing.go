package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/core"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// TokenLedger is the balance surface the billing handlers need. Implemented
// by billing.Ledger.
type TokenLedger interface {
	GetOrCreateBalance(ctx context.Context, userID string) (*types.TokenBalance, error)
	CheckAvailable(ctx context.Context, userID string, tokensRequired int64, includeQueued bool) (bool, error)
}

// PlanSwitcher performs plan transitions. Implemented by
// billing.Orchestrator.
type PlanSwitcher interface {
	SwitchPlan(ctx context.Context, userID string, target types.PlanType) (*types.SwitchResult, error)
	EnrollUnlimited(ctx context.Context, userID string) (*types.SwitchResult, error)
	UnenrollUnlimited(ctx context.Context, userID string) (*types.SwitchResult, error)
	Cancel(ctx context.Context, userID string) (*types.SwitchResult, error)
}

// PlanCatalog resolves plan terms. Implemented by billing.Catalog.
type PlanCatalog interface {
	Get(ctx context.Context, planType types.PlanType) (types.Plan, error)
	List(ctx context.Context, includeHidden bool) []types.Plan
}

// SubscriptionReader resolves a user's current subscription record.
// Implemented by db.SubscriptionRepo.
type SubscriptionReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
}

// TransactionLister pages the token ledger history. Implemented by
// db.LedgerRepo.
type TransactionLister interface {
	ListTransactions(ctx context.Context, userID string, limit int) ([]types.TokenTransaction, error)
}

// BillingHandler serves balance, usage, plan catalog, and plan transition
// endpoints.
type BillingHandler struct {
	ledger   TokenLedger
	switcher PlanSwitcher
	catalog  PlanCatalog
	subs     SubscriptionReader
	history  TransactionLister
	logger   *slog.Logger
}

// NewBillingHandler wires the billing endpoints.
func NewBillingHandler(
	ledger TokenLedger,
	switcher PlanSwitcher,
	catalog PlanCatalog,
	subs SubscriptionReader,
	history TransactionLister,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		ledger:   ledger,
		switcher: switcher,
		catalog:  catalog,
		subs:     subs,
		history:  history,
		logger:   logger,
	}
}

// RegisterRoutes mounts the billing endpoints under the given router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/plans", h.ListPlans)
	r.Route("/billing/{userID}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.GetTransactions)
		r.Post("/switch", h.SwitchPlan)
		r.Post("/cancel", h.Cancel)
		r.Post("/unlimited", h.EnrollUnlimited)
		r.Delete("/unlimited", h.UnenrollUnlimited)
	})
}

// balanceResponse is the user-facing view of a token balance joined with the
// plan terms.
type balanceResponse struct {
	UserID          string         `json:"user_id"`
	Plan            types.PlanType `json:"plan"`
	Status          string         `json:"status,omitempty"`
	TokensRemaining int64          `json:"tokens_remaining"`
	TokensUsed      int64          `json:"tokens_used_this_period"`
	MonthlyTokens   int64          `json:"monthly_tokens"`
	OverageTokens   int64          `json:"overage_tokens"`
	OverageCents    int64          `json:"overage_cents"`
	Unlimited       bool           `json:"unlimited"`
	PeriodStart     *time.Time     `json:"period_start,omitempty"`
	PeriodEnd       *time.Time     `json:"period_end,omitempty"`
}

// GetBalance returns the current balance with the overage accrued so far
// this period. Users without a subscription get their balance against the
// implicit free tier.
func (h *BillingHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	bal, err := h.ledger.GetOrCreateBalance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := balanceResponse{
		UserID:          userID,
		Plan:            types.PlanFree,
		TokensRemaining: bal.TokensRemaining,
		TokensUsed:      bal.TokensUsedThisPeriod,
		MonthlyTokens:   bal.MonthlyTokens,
		PeriodStart:     bal.PeriodStart,
		PeriodEnd:       bal.PeriodEnd,
	}

	sub, err := h.subs.GetByUserID(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub != nil {
		resp.Plan = sub.PlanType
		resp.Status = string(sub.Status)
		resp.Unlimited = sub.PlanType.IsUnlimited()

		if sub.PlanType.AllowsOverage() {
			overage := max(int64(0), bal.TokensUsedThisPeriod-bal.MonthlyTokens)
			resp.OverageTokens = overage
			if plan, err := h.catalog.Get(r.Context(), sub.PlanType); err == nil {
				resp.OverageCents = overage * plan.OverageUnitPriceCents
			}
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// GetTransactions returns the most recent ledger entries, newest first.
func (h *BillingHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidBody,
				"limit must be an integer between 1 and 200",
				err,
			))
			return
		}
		limit = n
	}

	txs, err := h.history.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: txs})
}

// ListPlans returns the public plan catalog.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.catalog.List(r.Context(), false)})
}

type switchPlanRequest struct {
	Plan types.PlanType `json:"plan"`
}

// SwitchPlan moves the user onto the requested plan, preserving unspent
// tokens.
func (h *BillingHandler) SwitchPlan(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	var req switchPlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !req.Plan.Valid() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPlan,
			"unknown plan: "+string(req.Plan),
			nil,
		))
		return
	}

	res, err := h.switcher.SwitchPlan(r.Context(), userID, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// Cancel downgrades the user to the free plan.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.switcher.Cancel)
}

// EnrollUnlimited moves the user onto the unlimited plan, banking the
// current balance for later restoration.
func (h *BillingHandler) EnrollUnlimited(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.switcher.EnrollUnlimited)
}

// UnenrollUnlimited exits the unlimited plan and restores the banked plan
// and balance.
func (h *BillingHandler) UnenrollUnlimited(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, h.switcher.UnenrollUnlimited)
}

func (h *BillingHandler) runTransition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, userID string) (*types.SwitchResult, error),
) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	res, err := fn(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}
