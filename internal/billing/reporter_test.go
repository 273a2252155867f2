package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func TestReporter_ReportUsage(t *testing.T) {
	starterSub := &types.SubscriptionRecord{
		UserID:        "u1",
		PlanType:      types.PlanStarter,
		MeteredItemID: "si_1",
	}

	cases := []struct {
		name         string
		sub          *types.SubscriptionRecord
		used         int64
		monthly      int64
		justUsed     int64
		wantReported bool
		wantQuantity int64
	}{
		{
			name: "no subscription",
			sub:  nil,
			used: 500, monthly: 300, justUsed: 10,
		},
		{
			name: "plan without overage",
			sub:  &types.SubscriptionRecord{UserID: "u1", PlanType: types.PlanFree, MeteredItemID: "si_1"},
			used: 500, monthly: 50, justUsed: 10,
		},
		{
			name: "no metered item",
			sub:  &types.SubscriptionRecord{UserID: "u1", PlanType: types.PlanStarter},
			used: 500, monthly: 300, justUsed: 10,
		},
		{
			name: "entirely within allocation",
			sub:  starterSub,
			used: 200, monthly: 300, justUsed: 50,
		},
		{
			name: "crosses into overage mid-deduction",
			sub:  starterSub,
			used: 310, monthly: 300, justUsed: 30,
			wantReported: true, wantQuantity: 10,
		},
		{
			name: "already in overage sends delta only",
			sub:  starterSub,
			used: 405, monthly: 300, justUsed: 5,
			wantReported: true, wantQuantity: 5,
		},
		{
			name: "zero just used",
			sub:  starterSub,
			used: 405, monthly: 300, justUsed: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := newFakeProvider()
			reporter := NewReporter(sink, testLogger())

			bal := &types.TokenBalance{
				TokensUsedThisPeriod: tc.used,
				MonthlyTokens:        tc.monthly,
			}
			reported, err := reporter.ReportUsage(context.Background(), tc.sub, bal, tc.justUsed)
			require.NoError(t, err)
			assert.Equal(t, tc.wantReported, reported)

			if tc.wantReported {
				require.Len(t, sink.usageReports, 1)
				assert.Equal(t, tc.wantQuantity, sink.usageReports[0].quantity)
			} else {
				assert.Empty(t, sink.usageReports)
			}
		})
	}
}
