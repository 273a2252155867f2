package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// planSwitchFingerprint is the widest stored-vs-incoming period difference
// that still identifies the same billing period. A plan switch recreates the
// subscription with a period anchored at the switch instant, so a near-equal
// period means "same period, new subscription" — preserve tokens.
const planSwitchFingerprint = time.Hour

// EventStore persists seen webhook event IDs. Implemented by
// db.WebhookEventRepo.
type EventStore interface {
	BeginProcessing(ctx context.Context, eventID, eventType string) (alreadyProcessed bool, err error)
	MarkProcessed(ctx context.Context, eventID string, procErr error) error
}

// SubscriptionStore is the reconciler's view of subscription persistence.
// Implemented by db.SubscriptionRepo.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
	GetByProviderSubID(ctx context.Context, subID string) (*types.SubscriptionRecord, error)
	Upsert(ctx context.Context, rec *types.SubscriptionRecord) error
	UpdateStatus(ctx context.Context, userID string, status types.SubscriptionStatus) error
}

// UserDirectory resolves provider customers to users. Implemented by
// db.UserBillingRepo.
type UserDirectory interface {
	GetUserIDByCustomer(ctx context.Context, customerID string) (string, error)
	AttachCustomerID(ctx context.Context, userID, customerID string) error
}

// Reconciler consumes billing-provider webhook events and keeps the
// subscription records and token ledger consistent with the provider's view
// of truth. Delivery is at-least-once and unordered; correctness comes from
// the seen-event store plus the reset/grant dedup keys, never from arrival
// order.
type Reconciler struct {
	events   EventStore
	subs     SubscriptionStore
	users    UserDirectory
	ledger   *Ledger
	store    LedgerStore
	catalog  *Catalog
	detector *RenewalDetector
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewReconciler wires the reconciler.
func NewReconciler(
	events EventStore,
	subs SubscriptionStore,
	users UserDirectory,
	ledger *Ledger,
	store LedgerStore,
	catalog *Catalog,
	detector *RenewalDetector,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		events:   events,
		subs:     subs,
		users:    users,
		ledger:   ledger,
		store:    store,
		catalog:  catalog,
		detector: detector,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// providerEvent is the envelope common to all provider webhook payloads.
type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// webhookSubscription is the subscription object carried in subscription
// lifecycle events.
type webhookSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Metadata           struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					UsageType string `json:"usage_type"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type webhookInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

type webhookCheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
}

// ProcessEvent runs the idempotency protocol over a raw (already
// signature-verified) webhook payload: look up the event ID, short-circuit
// if it was fully processed before, otherwise process once and mark the
// outcome. Errors are recorded and returned for logging but processing is
// never retried from this layer — the provider's retry on non-2xx is the
// retry mechanism.
func (r *Reconciler) ProcessEvent(ctx context.Context, payload []byte) (processed bool, err error) {
	var event providerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return false, types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed webhook payload", err)
	}
	if event.ID == "" {
		return false, types.NewAppError(types.ErrCodeValidationMissingField, "webhook event has no id", nil)
	}

	already, err := r.events.BeginProcessing(ctx, event.ID, event.Type)
	if err != nil {
		return false, err
	}
	if already {
		r.logger.DebugContext(ctx, "webhook event replayed, skipping",
			"event_id", event.ID, "event_type", event.Type)
		return false, nil
	}

	procErr := r.route(ctx, &event)
	if markErr := r.events.MarkProcessed(ctx, event.ID, procErr); markErr != nil {
		r.logger.ErrorContext(ctx, "failed to mark webhook event processed",
			"event_id", event.ID, "error", markErr)
	}

	if procErr != nil {
		r.logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", procErr)
	}
	return true, procErr
}

func (r *Reconciler) route(ctx context.Context, event *providerEvent) error {
	switch event.Type {
	case external.EventSubCreated, external.EventSubUpdated:
		return r.handleSubscriptionChange(ctx, event.Data.Object)
	case external.EventSubDeleted:
		return r.handleSubscriptionDeleted(ctx, event.Data.Object)
	case external.EventInvoicePaid:
		return r.handleInvoicePaid(ctx, event.Data.Object)
	case external.EventInvoiceFailed:
		return r.handleInvoiceFailed(ctx, event.Data.Object)
	case external.EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event.Data.Object)
	default:
		r.logger.DebugContext(ctx, "ignoring webhook event type", "event_type", event.Type)
		return nil
	}
}

// handleSubscriptionChange upserts the subscription record from the
// provider's object and repairs the token ledger.
func (r *Reconciler) handleSubscriptionChange(ctx context.Context, object json.RawMessage) error {
	var sub webhookSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed subscription object", err)
	}

	userID, err := r.resolveUser(ctx, sub.Metadata.UserID, sub.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		r.logger.WarnContext(ctx, "subscription event for unknown customer",
			"customer_id", sub.Customer, "subscription_id", sub.ID)
		return nil
	}

	// The base (licensed) price identifies the plan; overage-only prices are
	// skipped by the catalog.
	var priceID, meteredItemID string
	for _, item := range sub.Items.Data {
		if item.Price.Recurring.UsageType == "metered" {
			meteredItemID = item.ID
			continue
		}
		if priceID == "" {
			priceID = item.Price.ID
		}
	}

	plan, ok := r.catalog.ByPriceID(ctx, priceID)
	if !ok {
		r.logger.WarnContext(ctx, "subscription price not found in plan catalog",
			"price_id", priceID, "subscription_id", sub.ID)
		return nil
	}

	periodStart := time.Unix(sub.CurrentPeriodStart, 0).UTC()
	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()

	rec := &types.SubscriptionRecord{
		UserID:                 userID,
		PlanType:               plan.Type,
		Status:                 types.SubscriptionStatus(sub.Status),
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer,
		MeteredItemID:          meteredItemID,
		CurrentPeriodStart:     &periodStart,
		CurrentPeriodEnd:       &periodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}

	// Carry the unlimited-transition bookkeeping forward; the provider knows
	// nothing about it.
	if existing, err := r.subs.GetByUserID(ctx, userID); err != nil {
		return err
	} else if existing != nil {
		rec.PreservedTokensBalance = existing.PreservedTokensBalance
		rec.PreservedPlanType = existing.PreservedPlanType
	}

	if err := r.subs.Upsert(ctx, rec); err != nil {
		return err
	}

	_, err = r.EnsureTokensSynced(ctx, userID)
	return err
}

// handleSubscriptionDeleted marks the record canceled. Tokens are untouched:
// cancellation alone must not clear a balance — the explicit downgrade-to-
// free path does that.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, object json.RawMessage) error {
	var sub webhookSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed subscription object", err)
	}

	rec, err := r.subs.GetByProviderSubID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		r.logger.DebugContext(ctx, "deletion event for unknown subscription", "subscription_id", sub.ID)
		return nil
	}

	return r.subs.UpdateStatus(ctx, rec.UserID, types.SubStatusCanceled)
}

// handleInvoicePaid covers renewal token resets: a paid invoice means the
// provider advanced the billing period.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, object json.RawMessage) error {
	var inv webhookInvoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed invoice object", err)
	}
	if inv.Subscription == "" {
		return nil
	}

	rec, err := r.subs.GetByProviderSubID(ctx, inv.Subscription)
	if err != nil {
		return err
	}
	if rec == nil {
		r.logger.DebugContext(ctx, "invoice for unknown subscription", "subscription_id", inv.Subscription)
		return nil
	}

	_, err = r.EnsureTokensSynced(ctx, rec.UserID)
	return err
}

// handleInvoiceFailed is record-only; dunning is the provider's problem and
// the subscription.updated event carries any status change.
func (r *Reconciler) handleInvoiceFailed(ctx context.Context, object json.RawMessage) error {
	var inv webhookInvoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed invoice object", err)
	}
	r.logger.WarnContext(ctx, "invoice payment failed",
		"invoice_id", inv.ID, "subscription_id", inv.Subscription, "customer_id", inv.Customer)
	return nil
}

// handleCheckoutCompleted attaches the provider customer ID to the user.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, object json.RawMessage) error {
	var sess webhookCheckoutSession
	if err := json.Unmarshal(object, &sess); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed checkout session object", err)
	}
	if sess.ClientReferenceID == "" || sess.Customer == "" {
		return nil
	}
	return r.users.AttachCustomerID(ctx, sess.ClientReferenceID, sess.Customer)
}

// resolveUser prefers the user_id the subscription was created with, falling
// back to the customer directory.
func (r *Reconciler) resolveUser(ctx context.Context, metaUserID, customerID string) (string, error) {
	if metaUserID != "" {
		return metaUserID, nil
	}
	if customerID == "" {
		return "", nil
	}
	return r.users.GetUserIDByCustomer(ctx, customerID)
}

// EnsureTokensSynced is the self-healing repair path: it aligns the token
// balance with the user's subscription and is safe to call redundantly from
// any trigger (webhook, direct creation, hourly sweep). Re-entrancy rests on
// the grant/reset dedup keys — calling it twice with the same inputs never
// double-grants.
//
// Returns true when the ledger is in sync afterwards (including the no-op
// cases), false when there was nothing to sync against.
func (r *Reconciler) EnsureTokensSynced(ctx context.Context, userID string) (bool, error) {
	rec, err := r.subs.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	plan, err := r.catalog.Get(ctx, rec.PlanType)
	if err != nil {
		return false, err
	}

	now := r.nowFn().UTC()

	// Daily-accrual plans bank tokens instead of resetting per period.
	if rec.PlanType.IsDailyAccrual() {
		granted, err := r.store.HasDailyGrant(ctx, userID, rec.ProviderSubscriptionID, now)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
		if _, err := r.ledger.ApplyDailyGrant(ctx, userID, plan, rec.ProviderSubscriptionID, now); err != nil {
			return false, err
		}
		return true, nil
	}

	if rec.CurrentPeriodStart == nil || rec.CurrentPeriodEnd == nil {
		r.logger.WarnContext(ctx, "subscription has no billing period, skipping token sync",
			"user_id", userID, "subscription_id", rec.ProviderSubscriptionID)
		return false, nil
	}
	periodStart, periodEnd := *rec.CurrentPeriodStart, *rec.CurrentPeriodEnd

	// A reset already recorded for this exact subscription and period means
	// the grant happened; only period-field drift may need correcting.
	done, err := r.store.HasResetForPeriod(ctx, userID, rec.ProviderSubscriptionID, periodStart, periodEnd)
	if err != nil {
		return false, err
	}
	if done {
		return true, r.syncPeriodFields(ctx, userID, periodStart, periodEnd)
	}

	// Unlimited reconciles period bounds only; amounts stay sentinel.
	if rec.PlanType.IsUnlimited() {
		ok, err := r.ledger.ResetForSubscription(ctx, userID, rec.PlanType,
			rec.ProviderSubscriptionID, periodStart, periodEnd, false)
		return ok, err
	}

	bal, err := r.ledger.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return false, err
	}

	if r.detector.IsRenewal(ctx, bal.PeriodEnd, periodEnd, rec.Status, now) {
		return r.ledger.ResetForSubscription(ctx, userID, rec.PlanType,
			rec.ProviderSubscriptionID, periodStart, periodEnd, true)
	}

	// Near-equal period ends are the plan-switch fingerprint: same billing
	// period carried onto a recreated subscription. Preserve tokens; only
	// the stored bounds may need updating.
	if bal.PeriodEnd != nil && absDuration(periodEnd.Sub(*bal.PeriodEnd)) < planSwitchFingerprint {
		if bal.PeriodEnd.Equal(periodEnd) && bal.MonthlyTokens >= plan.Allocation() {
			return true, nil
		}
		return true, r.syncPeriodFields(ctx, userID, periodStart, periodEnd)
	}

	// Uninitialized balance or a plausibly fresh future period: additive
	// reset so granted and unspent tokens survive.
	if bal.PeriodEnd == nil || periodEnd.After(now) {
		return r.ledger.ResetForSubscription(ctx, userID, rec.PlanType,
			rec.ProviderSubscriptionID, periodStart, periodEnd, false)
	}

	r.logger.WarnContext(ctx, "subscription period is stale, leaving ledger untouched",
		"user_id", userID,
		"subscription_id", rec.ProviderSubscriptionID,
		"period_end", periodEnd,
	)
	return false, nil
}

// syncPeriodFields corrects drifted balance period bounds without touching
// amounts. No write happens when the stored bounds already match.
func (r *Reconciler) syncPeriodFields(ctx context.Context, userID string, periodStart, periodEnd time.Time) error {
	return r.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		if b.PeriodStart != nil && b.PeriodStart.Equal(periodStart) &&
			b.PeriodEnd != nil && b.PeriodEnd.Equal(periodEnd) {
			return nil, false, nil
		}
		b.PeriodStart = &periodStart
		b.PeriodEnd = &periodEnd
		return nil, true, nil
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
