package billing

import (
	"context"
	"log/slog"

	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// SubscriptionAdmin extends the reconciler's store view with the row-replace
// primitive plan switches need.
type SubscriptionAdmin interface {
	SubscriptionStore
	Delete(ctx context.Context, userID string) error
}

// BillingDirectory resolves a user's provider customer ID and billing email.
// Implemented by db.UserBillingRepo.
type BillingDirectory interface {
	GetBillingInfo(ctx context.Context, userID string) (customerID, email string, err error)
}

// Orchestrator implements user- and admin-initiated plan changes. A switch
// replaces both the provider-side subscription and the local record (never
// updates in place), while preserving the user's unspent tokens — the user
// paid for the full period, so tokens are never prorated away.
//
// Failure semantics: cancellations are best-effort (a stuck old subscription
// is logged, not fatal), but failure to create the replacement is fatal and
// surfaced with the still-active provider subscription IDs, because leaving
// the user with no subscription is worse than leaving a stale one.
type Orchestrator struct {
	provider external.BillingProvider
	subs     SubscriptionAdmin
	users    BillingDirectory
	ledger   *Ledger
	catalog  *Catalog
	logger   *slog.Logger
}

// NewOrchestrator wires the plan transition orchestrator.
func NewOrchestrator(
	provider external.BillingProvider,
	subs SubscriptionAdmin,
	users BillingDirectory,
	ledger *Ledger,
	catalog *Catalog,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider: provider,
		subs:     subs,
		users:    users,
		ledger:   ledger,
		catalog:  catalog,
		logger:   logger,
	}
}

// SwitchPlan moves the user onto targetPlan:
//
//  1. Validate the target against the catalog; no-op if already on it.
//  2. Snapshot the unspent balance before touching anything.
//  3. Best-effort cancel the current provider subscription with a final
//     invoice for outstanding metered overage.
//  4. Defensively cancel any other active provider subscriptions (drift from
//     console edits or partial past failures).
//  5. Create the replacement subscription; fatal on failure.
//  6. Replace the local record and pin the balance: the preserved tokens
//     join the new plan's allocation, used resets to zero, and the period
//     follows the new subscription.
func (o *Orchestrator) SwitchPlan(ctx context.Context, userID string, target types.PlanType) (*types.SwitchResult, error) {
	targetPlan, err := o.catalog.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	current, err := o.subs.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	preserved, err := o.preservedTokens(ctx, userID, current)
	if err != nil {
		return nil, err
	}

	if current != nil && current.PlanType == target && current.Status.Entitled() {
		return &types.SwitchResult{
			PreservedTokens: preserved,
			NewPlan:         target,
			SubscriptionID:  current.ProviderSubscriptionID,
		}, nil
	}

	customerID, err := o.ensureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}

	o.cancelExisting(ctx, userID, current, customerID)

	newSub, err := o.createSubscription(ctx, userID, customerID, targetPlan)
	if err != nil {
		return nil, err
	}

	var prevPlan types.PlanType
	if current != nil {
		prevPlan = current.PlanType
	} else {
		prevPlan = types.PlanFree
	}

	if err := o.replaceRecord(ctx, userID, current, newSub, targetPlan, preserved, prevPlan); err != nil {
		return nil, err
	}

	if err := o.pinBalance(ctx, userID, targetPlan, newSub, preserved+targetPlan.Allocation(), "plan_switch"); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "plan switch completed",
		"user_id", userID,
		"target_plan", target,
		"preserved_tokens", preserved,
		"subscription_id", newSub.ID,
	)

	return &types.SwitchResult{
		PreservedTokens: preserved,
		NewPlan:         target,
		SubscriptionID:  newSub.ID,
	}, nil
}

// EnrollUnlimited moves the user onto the unlimited plan, remembering the
// previous plan and balance so a later exit knows what to restore.
func (o *Orchestrator) EnrollUnlimited(ctx context.Context, userID string) (*types.SwitchResult, error) {
	return o.SwitchPlan(ctx, userID, types.PlanUnlimited)
}

// UnenrollUnlimited exits the unlimited plan, restoring the preserved plan
// and exactly the preserved token amount — not preserved plus the restored
// plan's allocation; "restore" is not "switch". Legacy records without
// preservation data fall back to the free plan.
func (o *Orchestrator) UnenrollUnlimited(ctx context.Context, userID string) (*types.SwitchResult, error) {
	current, err := o.subs.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil || !current.PlanType.IsUnlimited() {
		return nil, types.NewAppError(
			types.ErrCodeConflictSubscription,
			"user is not enrolled in the unlimited plan",
			nil,
		)
	}

	restorePlanType := types.PlanFree
	if current.PreservedPlanType != nil && current.PreservedPlanType.Valid() {
		restorePlanType = *current.PreservedPlanType
	}
	var preserved int64
	if current.PreservedTokensBalance != nil {
		preserved = *current.PreservedTokensBalance
	}

	restorePlan, err := o.catalog.Get(ctx, restorePlanType)
	if err != nil {
		return nil, err
	}

	customerID, err := o.ensureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}

	o.cancelExisting(ctx, userID, current, customerID)

	// Delete the unlimited row before recreation to dodge the one-record-
	// per-user constraint.
	if err := o.subs.Delete(ctx, userID); err != nil {
		return nil, err
	}

	newSub, err := o.createSubscription(ctx, userID, customerID, restorePlan)
	if err != nil {
		return nil, err
	}

	if err := o.replaceRecord(ctx, userID, nil, newSub, restorePlan, 0, ""); err != nil {
		return nil, err
	}

	if err := o.pinBalance(ctx, userID, restorePlan, newSub, preserved, "unlimited_unenroll"); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "unlimited unenrollment completed",
		"user_id", userID,
		"restored_plan", restorePlanType,
		"restored_tokens", preserved,
	)

	return &types.SwitchResult{
		PreservedTokens: preserved,
		NewPlan:         restorePlanType,
		SubscriptionID:  newSub.ID,
	}, nil
}

// Cancel downgrades the user to the free plan, returning the preserved token
// count for user-facing messaging.
func (o *Orchestrator) Cancel(ctx context.Context, userID string) (*types.SwitchResult, error) {
	return o.SwitchPlan(ctx, userID, types.PlanFree)
}

// preservedTokens snapshots what the user keeps across the transition. On
// the unlimited plan the live balance is sentinel-valued, so the amount
// banked at enrollment is used instead.
func (o *Orchestrator) preservedTokens(ctx context.Context, userID string, current *types.SubscriptionRecord) (int64, error) {
	if current != nil && current.PlanType.IsUnlimited() {
		if current.PreservedTokensBalance != nil {
			return *current.PreservedTokensBalance, nil
		}
		return 0, nil
	}

	bal, err := o.ledger.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return bal.TokensRemaining, nil
}

func (o *Orchestrator) ensureCustomer(ctx context.Context, userID string) (string, error) {
	customerID, email, err := o.users.GetBillingInfo(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}
	return o.provider.EnsureCustomer(ctx, userID, email)
}

// cancelExisting performs steps 3 and 4: best-effort cancellation of the
// known subscription (with a final overage invoice) and of anything else
// still active for the customer. Failures are logged, never fatal — aborting
// here would leave the user stuck on the old plan.
func (o *Orchestrator) cancelExisting(ctx context.Context, userID string, current *types.SubscriptionRecord, customerID string) {
	if current != nil && current.ProviderSubscriptionID != "" {
		if err := o.provider.CancelSubscription(ctx, current.ProviderSubscriptionID, true); err != nil {
			o.logger.WarnContext(ctx, "failed to cancel current provider subscription",
				"user_id", userID,
				"subscription_id", current.ProviderSubscriptionID,
				"error", err,
			)
		}
	}

	active, err := o.provider.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to list provider subscriptions for cleanup",
			"user_id", userID, "error", err)
		return
	}
	for _, sub := range active {
		if current != nil && sub.ID == current.ProviderSubscriptionID {
			continue
		}
		if err := o.provider.CancelSubscription(ctx, sub.ID, false); err != nil {
			o.logger.WarnContext(ctx, "failed to cancel duplicate provider subscription",
				"user_id", userID, "subscription_id", sub.ID, "error", err)
		}
	}
}

// createSubscription creates the replacement provider subscription and, for
// overage-eligible plans, attaches the metered item afterwards. Creation
// failure is fatal and carries any still-active subscription IDs for support
// diagnosis.
func (o *Orchestrator) createSubscription(
	ctx context.Context,
	userID, customerID string,
	plan types.Plan,
) (*types.ProviderSubscription, error) {
	newSub, err := o.provider.CreateSubscription(ctx, customerID, plan.PriceID, map[string]string{
		"user_id":   userID,
		"plan_type": string(plan.Type),
	})
	if err != nil {
		details := map[string]any{"target_plan": string(plan.Type)}
		if active, listErr := o.provider.ListActiveSubscriptions(ctx, customerID); listErr == nil {
			ids := make([]string, 0, len(active))
			for _, s := range active {
				ids = append(ids, s.ID)
			}
			details["active_subscription_ids"] = ids
		}
		if appErr, ok := err.(*types.AppError); ok {
			return nil, appErr.WithDetails(details)
		}
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBilling,
			"failed to create replacement subscription",
			err,
			details,
		)
	}

	if plan.Type.AllowsOverage() && plan.OveragePriceID != "" && newSub.MeteredItemID == "" {
		itemID, err := o.provider.AttachMeteredItem(ctx, newSub.ID, plan.OveragePriceID)
		if err != nil {
			// Without the metered item overage reporting no-ops; usable but
			// unbilled overage, so flag loudly.
			o.logger.ErrorContext(ctx, "failed to attach metered overage item",
				"user_id", userID, "subscription_id", newSub.ID, "error", err)
		} else {
			newSub.MeteredItemID = itemID
		}
	}

	return newSub, nil
}

// replaceRecord deletes the old row and writes the new one. When the target
// is unlimited, the pre-switch balance and plan ride along for restoration.
func (o *Orchestrator) replaceRecord(
	ctx context.Context,
	userID string,
	current *types.SubscriptionRecord,
	newSub *types.ProviderSubscription,
	plan types.Plan,
	preserved int64,
	prevPlan types.PlanType,
) error {
	if current != nil {
		if err := o.subs.Delete(ctx, userID); err != nil {
			return err
		}
	}

	rec := &types.SubscriptionRecord{
		UserID:                 userID,
		PlanType:               plan.Type,
		Status:                 newSub.Status,
		ProviderSubscriptionID: newSub.ID,
		ProviderCustomerID:     newSub.CustomerID,
		MeteredItemID:          newSub.MeteredItemID,
		CurrentPeriodStart:     &newSub.CurrentPeriodStart,
		CurrentPeriodEnd:       &newSub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      newSub.CancelAtPeriodEnd,
	}
	if plan.Type.IsUnlimited() {
		rec.PreservedTokensBalance = &preserved
		rec.PreservedPlanType = &prevPlan
	}

	return o.subs.Upsert(ctx, rec)
}

// pinBalance sets the final post-transition balance. Unlimited targets only
// mirror the period; everyone else gets the computed remaining with the
// monthly baseline at least the plan allocation.
func (o *Orchestrator) pinBalance(
	ctx context.Context,
	userID string,
	plan types.Plan,
	newSub *types.ProviderSubscription,
	remaining int64,
	reason string,
) error {
	if plan.Type.IsUnlimited() {
		_, err := o.ledger.ResetForSubscription(ctx, userID, plan.Type,
			newSub.ID, newSub.CurrentPeriodStart, newSub.CurrentPeriodEnd, false)
		return err
	}

	monthly := max(remaining, plan.Allocation())
	return o.ledger.SetBalanceForTransition(ctx, userID,
		remaining, monthly, plan.Type, newSub.ID,
		newSub.CurrentPeriodStart, newSub.CurrentPeriodEnd, reason)
}
