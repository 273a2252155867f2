package types

// PlanType identifies the billing plan for a user.
type PlanType string

const (
	PlanFree      PlanType = "free"
	PlanFreeDaily PlanType = "free_daily"
	PlanStarter   PlanType = "starter"
	PlanCreator   PlanType = "creator"
	PlanUnlimited PlanType = "unlimited"
)

// PlanPolicy determines how the ledger treats token consumption for a plan.
// Keeping this a closed table (rather than scattered string comparisons)
// eliminates typo-class bugs when new tiers are added.
type PlanPolicy int

const (
	// PolicyHardLimit plans can never consume past tokens_remaining.
	PolicyHardLimit PlanPolicy = iota
	// PolicyOverage plans may consume past the included allocation; the
	// excess is billed as metered usage.
	PolicyOverage
	// PolicyUnlimited plans bypass the numeric balance entirely.
	PolicyUnlimited
)

// planPolicies is the authoritative policy table. Unknown plan types fall
// back to PolicyHardLimit so a bad value can never grant free overage.
var planPolicies = map[PlanType]PlanPolicy{
	PlanFree:      PolicyHardLimit,
	PlanFreeDaily: PolicyHardLimit,
	PlanStarter:   PolicyOverage,
	PlanCreator:   PolicyOverage,
	PlanUnlimited: PolicyUnlimited,
}

// Policy returns the token-consumption policy for the plan type.
func (p PlanType) Policy() PlanPolicy {
	if pol, ok := planPolicies[p]; ok {
		return pol
	}
	return PolicyHardLimit
}

// IsUnlimited reports whether the plan bypasses token accounting.
func (p PlanType) IsUnlimited() bool { return p.Policy() == PolicyUnlimited }

// AllowsOverage reports whether the plan may consume past its included tokens.
func (p PlanType) AllowsOverage() bool { return p.Policy() == PolicyOverage }

// IsDailyAccrual reports whether the plan banks tokens daily instead of
// receiving a monthly allocation.
func (p PlanType) IsDailyAccrual() bool { return p == PlanFreeDaily }

// Valid reports whether the plan type is a known tier.
func (p PlanType) Valid() bool {
	_, ok := planPolicies[p]
	return ok
}

// SubscriptionStatus represents the state of a billing subscription.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// Entitled reports whether the status entitles the user to token grants.
// Only active and trialing subscriptions receive renewal resets.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// TransactionType categorizes entries in the append-only token ledger.
type TransactionType string

const (
	TxUpload    TransactionType = "upload"
	TxPurchase  TransactionType = "purchase"
	TxRefund    TransactionType = "refund"
	TxReset     TransactionType = "reset"
	TxGrant     TransactionType = "grant"
	TxAdminTest TransactionType = "admin_test"
)

// BillingInterval identifies the cadence of a plan's billing cycle.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalDay   BillingInterval = "day"
)

// UnlimitedSentinel is recorded as balance_before/balance_after on audit
// transactions for unlimited-plan users, whose numeric balance is never
// decremented.
const UnlimitedSentinel = -1

// UnlimitedTokens is the catalog sentinel for "no included-token cap".
const UnlimitedTokens = -1
