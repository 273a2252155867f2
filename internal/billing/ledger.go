package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// LedgerStore is the persistence surface the ledger needs. Implemented by
// db.LedgerRepo; MutateBalance runs the closure under a row lock so two
// concurrent mutations for one user serialize instead of losing updates.
type LedgerStore interface {
	GetOrCreateBalance(ctx context.Context, userID string) (*types.TokenBalance, error)
	MutateBalance(ctx context.Context, userID string,
		fn func(b *types.TokenBalance) (entry *types.TokenTransaction, apply bool, err error)) error
	HasResetForPeriod(ctx context.Context, userID, subscriptionID string, periodStart, periodEnd time.Time) (bool, error)
	HasDailyGrant(ctx context.Context, userID, subscriptionID string, day time.Time) (bool, error)
	QueuedTokenRequirement(ctx context.Context, userID string) (int64, error)
}

// SubscriptionLookup resolves a user's current subscription. Implemented by
// db.SubscriptionRepo; returns (nil, nil) when the user has none.
type SubscriptionLookup interface {
	GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
}

// OverageSink receives the post-deduction balance so strictly-new overage can
// be billed. Implemented by Reporter.
type OverageSink interface {
	ReportUsage(ctx context.Context, sub *types.SubscriptionRecord, bal *types.TokenBalance, tokensJustUsed int64) (bool, error)
}

// Ledger owns per-user token accounting: availability checks, deductions with
// the included/overage split, grants, and period resets.
//
// Policy rejections (insufficient tokens, disallowed overage) are boolean
// results, not errors, so orchestration code can branch on them directly.
type Ledger struct {
	store   LedgerStore
	subs    SubscriptionLookup
	catalog *Catalog
	overage OverageSink
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewLedger wires the ledger service. overage may be nil when metered billing
// is disabled.
func NewLedger(
	store LedgerStore,
	subs SubscriptionLookup,
	catalog *Catalog,
	overage OverageSink,
	logger *slog.Logger,
) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		subs:    subs,
		catalog: catalog,
		overage: overage,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// GetOrCreateBalance returns the user's balance, creating a zeroed row on
// first access.
func (l *Ledger) GetOrCreateBalance(ctx context.Context, userID string) (*types.TokenBalance, error) {
	return l.store.GetOrCreateBalance(ctx, userID)
}

// CheckAvailable reports whether the user can spend tokensRequired now.
//
// Unlimited plans and non-positive requests are always available. Paid plans
// with overage are always available: the check exists to gate free-tier
// queuing, not paid-tier throughput. Free tiers require the balance to cover
// the request, plus the not-yet-charged queued workload when includeQueued is
// set (stops a free user queuing more than they can afford).
func (l *Ledger) CheckAvailable(ctx context.Context, userID string, tokensRequired int64, includeQueued bool) (bool, error) {
	if tokensRequired <= 0 {
		return true, nil
	}

	sub, err := l.subs.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub != nil {
		switch sub.PlanType.Policy() {
		case types.PolicyUnlimited:
			return true, nil
		case types.PolicyOverage:
			return true, nil
		}
	}

	bal, err := l.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return false, err
	}

	required := tokensRequired
	if includeQueued {
		queued, err := l.store.QueuedTokenRequirement(ctx, userID)
		if err != nil {
			return false, err
		}
		required += queued
	}

	return bal.TokensRemaining >= required, nil
}

// Deduct consumes tokens from the user's balance, splitting the request into
// included and overage portions. Returns false with zero mutation when the
// plan's policy forbids the required overage; the ledger itself never
// deduplicates deduct calls — upload pipelines must enforce their own
// once-per-video flag.
//
// Unlimited plans record an audit transaction carrying the -1 sentinel and
// never touch the numeric balance. On a successful paid-plan deduction the
// newly consumed amount is handed to the overage sink, best-effort.
func (l *Ledger) Deduct(
	ctx context.Context,
	userID string,
	tokens int64,
	txType types.TransactionType,
	videoID *string,
	meta types.Metadata,
) (bool, error) {
	if tokens <= 0 {
		return true, nil
	}

	sub, err := l.subs.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}

	if sub != nil && sub.PlanType.IsUnlimited() {
		return l.auditUnlimited(ctx, userID, -tokens, txType, videoID, meta)
	}

	var (
		allowed   bool
		postBal   types.TokenBalance
		justUsed  int64
		remaining int64
	)

	err = l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		includedUsed := min(tokens, max(int64(0), b.TokensRemaining))
		overageUsed := tokens - includedUsed
		remaining = b.TokensRemaining

		if overageUsed > 0 {
			if sub == nil || !sub.PlanType.AllowsOverage() {
				return nil, false, nil
			}
		}

		before := b.TokensRemaining
		b.TokensRemaining -= includedUsed
		b.TokensUsedThisPeriod += tokens

		allowed = true
		postBal = *b
		justUsed = tokens

		m := cloneMetadata(meta)
		m["included_used"] = includedUsed
		m["overage_used"] = overageUsed

		entry := &types.TokenTransaction{
			VideoID:       videoID,
			Type:          txType,
			Tokens:        -tokens,
			BalanceBefore: before,
			BalanceAfter:  b.TokensRemaining,
			Metadata:      m,
		}
		if sub != nil {
			entry.SubscriptionID = sub.ProviderSubscriptionID
		}
		return entry, true, nil
	})
	if err != nil {
		return false, err
	}
	if !allowed {
		l.logger.InfoContext(ctx, "deduction rejected by plan policy",
			"user_id", userID,
			"tokens_required", tokens,
			"tokens_remaining", remaining,
		)
		return false, nil
	}

	// Metered overage billing is best-effort; failing to report never undoes
	// the deduction. The delta math keeps redelivery safe.
	if l.overage != nil && sub != nil && sub.PlanType.AllowsOverage() {
		if _, err := l.overage.ReportUsage(ctx, sub, &postBal, justUsed); err != nil {
			l.logger.WarnContext(ctx, "overage report failed after deduction",
				"user_id", userID, "error", err)
		}
	}

	return true, nil
}

// Add credits tokens to the user. Grants raise monthly_tokens alongside the
// balance: the period baseline is the overage threshold, so a granted token
// must never look like consumed overage. Unlimited plans record audit-only.
func (l *Ledger) Add(
	ctx context.Context,
	userID string,
	tokens int64,
	txType types.TransactionType,
	meta types.Metadata,
) (bool, error) {
	if tokens <= 0 {
		return true, nil
	}

	sub, err := l.subs.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub != nil && sub.PlanType.IsUnlimited() {
		return l.auditUnlimited(ctx, userID, tokens, txType, nil, meta)
	}

	err = l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		before := b.TokensRemaining
		b.TokensRemaining += tokens
		b.MonthlyTokens += tokens

		entry := &types.TokenTransaction{
			Type:          txType,
			Tokens:        tokens,
			BalanceBefore: before,
			BalanceAfter:  b.TokensRemaining,
			Metadata:      cloneMetadata(meta),
		}
		if sub != nil {
			entry.SubscriptionID = sub.ProviderSubscriptionID
		}
		return entry, true, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResetForSubscription aligns the balance with a billing period.
//
// isRenewal=true is the only path allowed to shrink a balance: tokens do not
// roll over, so remaining and monthly both become the plan allocation.
// isRenewal=false (new subscription or plan switch) is additive — the
// allocation joins whatever the user still holds, and monthly_tokens becomes
// the new total.
//
// Both paths zero tokens_used_this_period, stamp last_reset_at, mirror the
// period bounds, and append a reset transaction keyed by (subscription id,
// period start, period end) — the dedup key the reconciler checks. Unlimited
// plans only mirror period bounds.
func (l *Ledger) ResetForSubscription(
	ctx context.Context,
	userID string,
	planType types.PlanType,
	subscriptionID string,
	periodStart, periodEnd time.Time,
	isRenewal bool,
) (bool, error) {
	plan, err := l.catalog.Get(ctx, planType)
	if err != nil {
		return false, err
	}

	if planType.IsUnlimited() {
		err := l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
			b.PeriodStart = &periodStart
			b.PeriodEnd = &periodEnd
			return nil, true, nil
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}

	alloc := plan.Allocation()
	now := l.nowFn().UTC()

	err = l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		before := b.TokensRemaining

		if isRenewal {
			b.TokensRemaining = alloc
			b.MonthlyTokens = alloc
		} else {
			b.TokensRemaining += alloc
			b.MonthlyTokens = b.TokensRemaining
		}
		b.TokensUsedThisPeriod = 0
		b.PeriodStart = &periodStart
		b.PeriodEnd = &periodEnd
		b.LastResetAt = &now

		entry := &types.TokenTransaction{
			Type:           types.TxReset,
			Tokens:         b.TokensRemaining - before,
			BalanceBefore:  before,
			BalanceAfter:   b.TokensRemaining,
			SubscriptionID: subscriptionID,
			PeriodStart:    &periodStart,
			PeriodEnd:      &periodEnd,
			Metadata: types.Metadata{
				"plan_type":  string(planType),
				"is_renewal": isRenewal,
			},
		}
		return entry, true, nil
	})
	if err != nil {
		return false, err
	}

	l.logger.InfoContext(ctx, "token balance reset",
		"user_id", userID,
		"plan_type", planType,
		"is_renewal", isRenewal,
		"allocation", alloc,
	)
	return true, nil
}

// SetBalanceForTransition pins the balance after a plan transition, where the
// orchestrator computes the final amounts itself instead of going through the
// additive reset. The written reset transaction carries the composite period
// key, so the subscription-created webhook that follows the transition
// dedups against it and cannot double-grant.
func (l *Ledger) SetBalanceForTransition(
	ctx context.Context,
	userID string,
	remaining, monthly int64,
	planType types.PlanType,
	subscriptionID string,
	periodStart, periodEnd time.Time,
	reason string,
) error {
	now := l.nowFn().UTC()
	return l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		before := b.TokensRemaining
		b.TokensRemaining = remaining
		b.MonthlyTokens = monthly
		b.TokensUsedThisPeriod = 0
		b.PeriodStart = &periodStart
		b.PeriodEnd = &periodEnd
		b.LastResetAt = &now

		entry := &types.TokenTransaction{
			Type:           types.TxReset,
			Tokens:         remaining - before,
			BalanceBefore:  before,
			BalanceAfter:   remaining,
			SubscriptionID: subscriptionID,
			PeriodStart:    &periodStart,
			PeriodEnd:      &periodEnd,
			Metadata: types.Metadata{
				"plan_type": string(planType),
				"reason":    reason,
			},
		}
		return entry, true, nil
	})
}

// ApplyDailyGrant banks the daily accrual for a free_daily user, capped so
// the balance never exceeds the plan's max accrual. The grant transaction
// uses period_start = UTC midnight of the grant day as its dedup key; the
// caller is expected to have checked HasDailyGrant first, and the zero-token
// entry written at the cap keeps redundant sweeps cheap.
func (l *Ledger) ApplyDailyGrant(
	ctx context.Context,
	userID string,
	plan types.Plan,
	subscriptionID string,
	day time.Time,
) (granted int64, err error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	err = l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		grant := plan.DailyGrant
		if room := plan.MaxAccrual - b.TokensRemaining; room < grant {
			grant = max(int64(0), room)
		}

		before := b.TokensRemaining
		b.TokensRemaining += grant
		b.MonthlyTokens += grant
		granted = grant

		entry := &types.TokenTransaction{
			Type:           types.TxGrant,
			Tokens:         grant,
			BalanceBefore:  before,
			BalanceAfter:   b.TokensRemaining,
			SubscriptionID: subscriptionID,
			PeriodStart:    &dayStart,
			PeriodEnd:      &dayEnd,
			Metadata: types.Metadata{
				"grant": "daily",
			},
		}
		return entry, true, nil
	})
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "daily token grant applied",
		"user_id", userID, "granted", granted)
	return granted, nil
}

// auditUnlimited appends a sentinel-only transaction for an unlimited-plan
// user without touching the numeric balance.
func (l *Ledger) auditUnlimited(
	ctx context.Context,
	userID string,
	tokens int64,
	txType types.TransactionType,
	videoID *string,
	meta types.Metadata,
) (bool, error) {
	err := l.store.MutateBalance(ctx, userID, func(b *types.TokenBalance) (*types.TokenTransaction, bool, error) {
		entry := &types.TokenTransaction{
			VideoID:       videoID,
			Type:          txType,
			Tokens:        tokens,
			BalanceBefore: types.UnlimitedSentinel,
			BalanceAfter:  types.UnlimitedSentinel,
			Metadata:      cloneMetadata(meta),
		}
		return entry, true, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// cloneMetadata copies caller metadata so ledger annotations never mutate the
// caller's map.
func cloneMetadata(meta types.Metadata) types.Metadata {
	m := make(types.Metadata, len(meta)+2)
	for k, v := range meta {
		m[k] = v
	}
	return m
}
