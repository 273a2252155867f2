// Package types defines the shared domain model for the hopper billing
// backend: token balances, the append-only transaction ledger, subscription
// records, and the plan catalog entries that drive ledger policy.
package types

import "time"

// TokenBalance is the per-user mutable token account. One row per user,
// created lazily (zeroed) on first access and never deleted while the user
// exists.
//
// Invariants:
//   - TokensUsedThisPeriod >= 0 and is monotonically non-decreasing within a
//     billing period; only a period reset zeroes it.
//   - TokensRemaining is never persisted negative. On overage-eligible plans
//     consumption past the included allocation is tracked by
//     TokensUsedThisPeriod exceeding MonthlyTokens, not by a negative balance.
//   - For hard-limit plans: TokensRemaining + TokensUsedThisPeriod ==
//     MonthlyTokens after every mutation.
type TokenBalance struct {
	UserID               string     `json:"user_id"`
	TokensRemaining      int64      `json:"tokens_remaining"`
	TokensUsedThisPeriod int64      `json:"tokens_used_this_period"`
	MonthlyTokens        int64      `json:"monthly_tokens"`
	PeriodStart          *time.Time `json:"period_start,omitempty"`
	PeriodEnd            *time.Time `json:"period_end,omitempty"`
	LastResetAt          *time.Time `json:"last_reset_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TokenTransaction is an immutable entry in the append-only ledger. Replaying
// all of a user's transactions in creation order reconstructs the current
// balance (modulo admin manual overwrites, which are themselves logged).
//
// SubscriptionID + PeriodStart + PeriodEnd form the composite idempotency key
// for reset and daily-grant transactions. They are dedicated indexed columns,
// not parsed out of free-form metadata, so dedup lookups are reliable and
// cheap.
type TokenTransaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	VideoID        *string         `json:"video_id,omitempty"`
	Type           TransactionType `json:"transaction_type"`
	Tokens         int64           `json:"tokens"`
	BalanceBefore  int64           `json:"balance_before"`
	BalanceAfter   int64           `json:"balance_after"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	PeriodStart    *time.Time      `json:"period_start,omitempty"`
	PeriodEnd      *time.Time      `json:"period_end,omitempty"`
	Metadata       Metadata        `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SubscriptionRecord is the durable record of a user's current plan and its
// provider-side identifiers. At most one record exists per user; plan
// switches replace the row rather than updating it in place.
//
// PreservedTokensBalance and PreservedPlanType are populated only when the
// user transitions through the unlimited plan, so a later exit knows what to
// restore.
type SubscriptionRecord struct {
	UserID                 string             `json:"user_id"`
	PlanType               PlanType           `json:"plan_type"`
	Status                 SubscriptionStatus `json:"status"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	ProviderCustomerID     string             `json:"provider_customer_id"`
	MeteredItemID          string             `json:"metered_item_id,omitempty"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	PreservedTokensBalance *int64             `json:"preserved_tokens_balance,omitempty"`
	PreservedPlanType      *PlanType          `json:"preserved_plan_type,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Plan is a read-only catalog entry describing the economic terms of a tier.
// IncludedTokens of UnlimitedTokens (-1) means no cap. MaxAccrual and
// DailyGrant apply only to daily-accrual plans.
type Plan struct {
	Type                  PlanType        `json:"type"`
	PriceID               string          `json:"price_id"`
	ProductID             string          `json:"product_id"`
	Name                  string          `json:"name"`
	IncludedTokens        int64           `json:"included_tokens"`
	OverageUnitPriceCents int64           `json:"overage_unit_price_cents"`
	OveragePriceID        string          `json:"overage_price_id,omitempty"`
	Hidden                bool            `json:"hidden"`
	MaxAccrual            int64           `json:"max_accrual,omitempty"`
	DailyGrant            int64           `json:"daily_grant,omitempty"`
	Interval              BillingInterval `json:"interval"`
}

// Allocation returns the token allocation granted at period reset. Unlimited
// and daily-accrual plans have no monthly allocation.
func (p Plan) Allocation() int64 {
	if p.IncludedTokens == UnlimitedTokens || p.Type.IsDailyAccrual() {
		return 0
	}
	return p.IncludedTokens
}

// ProviderSubscription is the billing provider's view of a subscription, as
// returned by the provider API or carried in webhook payloads.
type ProviderSubscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	Status             SubscriptionStatus `json:"status"`
	PriceID            string             `json:"price_id"`
	MeteredItemID      string             `json:"metered_item_id,omitempty"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// WebhookEventRecord tracks a billing-provider event ID for idempotent
// processing. Processed is set after the single full processing attempt,
// regardless of outcome; Error captures a failed attempt for inspection.
type WebhookEventRecord struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Processed   bool       `json:"processed"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// SwitchResult summarizes a completed plan transition for user-facing
// messaging.
type SwitchResult struct {
	PreservedTokens int64    `json:"preserved_tokens"`
	NewPlan         PlanType `json:"new_plan"`
	SubscriptionID  string   `json:"subscription_id"`
}
