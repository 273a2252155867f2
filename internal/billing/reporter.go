package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// UsageSink posts incremental metered usage to the billing provider.
// Implemented by external.StripeClient.
type UsageSink interface {
	ReportUsage(ctx context.Context, meteredItemID string, quantity int64, at int64) error
}

// Reporter bills token overage as metered usage. The provider's usage API is
// additive, so the reporter must send only the strictly-new overage from each
// deduction; re-sending the running total would double-bill.
type Reporter struct {
	sink   UsageSink
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewReporter creates a Reporter. A nil logger falls back to slog.Default().
func NewReporter(sink UsageSink, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{sink: sink, logger: logger, nowFn: time.Now}
}

// ReportUsage reports the overage newly incurred by a deduction of
// tokensJustUsed, given the post-deduction balance. No-ops (reported=false,
// no error) when the plan cannot incur overage or the subscription has no
// metered item.
//
// Overage math: usage beyond monthly_tokens is overage. The previous overage
// is reconstructed by backing tokensJustUsed out of the current usage
// counter, and only the difference is sent.
func (r *Reporter) ReportUsage(
	ctx context.Context,
	sub *types.SubscriptionRecord,
	bal *types.TokenBalance,
	tokensJustUsed int64,
) (reported bool, err error) {
	if sub == nil || !sub.PlanType.AllowsOverage() || sub.MeteredItemID == "" {
		return false, nil
	}
	if tokensJustUsed <= 0 {
		return false, nil
	}

	currentOverage := max(int64(0), bal.TokensUsedThisPeriod-bal.MonthlyTokens)
	previousOverage := max(int64(0), (bal.TokensUsedThisPeriod-tokensJustUsed)-bal.MonthlyTokens)
	delta := currentOverage - previousOverage
	if delta <= 0 {
		return false, nil
	}

	if err := r.sink.ReportUsage(ctx, sub.MeteredItemID, delta, r.nowFn().Unix()); err != nil {
		r.logger.ErrorContext(ctx, "failed to report metered overage",
			"user_id", sub.UserID,
			"metered_item_id", sub.MeteredItemID,
			"delta", delta,
			"error", err,
		)
		return false, err
	}

	r.logger.InfoContext(ctx, "reported metered overage",
		"user_id", sub.UserID,
		"delta", delta,
		"total_overage", currentOverage,
	)
	return true, nil
}
