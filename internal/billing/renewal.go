package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// Renewal classification band. Period advances inside [20d, 365d) are
// renewals; anything shorter is noise (daily accrual uses its own banking
// mechanism) and anything longer is implausible for a billing cycle and more
// likely a plan switch. The wide band tolerates monthly, bi-monthly, and
// quarterly cycles.
//
// The band is a heuristic, not an exact rule: a trial extension or provider
// proration can legitimately produce an 18-day period. Out-of-band advances
// are logged as warnings for manual inspection rather than silently
// classified, because a false positive wipes a user's banked tokens while a
// false negative merely grants additively.
const (
	minRenewalAdvance = 20 * 24 * time.Hour
	maxRenewalAdvance = 365 * 24 * time.Hour
)

// RenewalDetector classifies a billing-period advance as a renewal (discard
// and reset tokens) or not (preserve tokens).
type RenewalDetector struct {
	logger *slog.Logger
}

// NewRenewalDetector creates a detector. A nil logger falls back to
// slog.Default().
func NewRenewalDetector(logger *slog.Logger) *RenewalDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalDetector{logger: logger}
}

// IsRenewal reports whether moving from oldPeriodEnd to newPeriodEnd is a
// billing-period rollover on an unchanged subscription.
//
// Never a renewal when: there is no prior period (new subscription), the
// period did not move forward, the new period is not in the future, or the
// subscription status does not entitle the user to grants.
func (d *RenewalDetector) IsRenewal(
	ctx context.Context,
	oldPeriodEnd *time.Time,
	newPeriodEnd time.Time,
	status types.SubscriptionStatus,
	now time.Time,
) bool {
	if oldPeriodEnd == nil {
		return false
	}
	if !newPeriodEnd.After(*oldPeriodEnd) {
		return false
	}
	if !newPeriodEnd.After(now) {
		return false
	}
	if !status.Entitled() {
		return false
	}

	advance := newPeriodEnd.Sub(*oldPeriodEnd)
	if advance >= minRenewalAdvance && advance < maxRenewalAdvance {
		return true
	}

	d.logger.WarnContext(ctx, "period advance outside renewal band, treating as non-renewal",
		"old_period_end", oldPeriodEnd,
		"new_period_end", newPeriodEnd,
		"advance", advance,
	)
	return false
}
