package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve routes a request through a fresh chi router with the given
// registrar mounted, mirroring how core.Server mounts handlers.
func serve(t *testing.T, register func(r chi.Router), req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type fakeTokenLedger struct {
	balances map[string]*types.TokenBalance
	addErr   error
	adds     []int64
	deducts  []int64
	allowed  bool
}

func newFakeTokenLedger() *fakeTokenLedger {
	return &fakeTokenLedger{balances: map[string]*types.TokenBalance{}, allowed: true}
}

func (f *fakeTokenLedger) GetOrCreateBalance(_ context.Context, userID string) (*types.TokenBalance, error) {
	if b, ok := f.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	b := &types.TokenBalance{UserID: userID, UpdatedAt: time.Now().UTC()}
	f.balances[userID] = b
	cp := *b
	return &cp, nil
}

func (f *fakeTokenLedger) CheckAvailable(_ context.Context, userID string, tokensRequired int64, _ bool) (bool, error) {
	b, ok := f.balances[userID]
	return ok && b.TokensRemaining >= tokensRequired, nil
}

func (f *fakeTokenLedger) Add(_ context.Context, userID string, tokens int64, _ types.TransactionType, _ types.Metadata) (bool, error) {
	if f.addErr != nil {
		return false, f.addErr
	}
	f.adds = append(f.adds, tokens)
	if b, ok := f.balances[userID]; ok {
		b.TokensRemaining += tokens
		b.MonthlyTokens += tokens
	} else {
		f.balances[userID] = &types.TokenBalance{
			UserID:          userID,
			TokensRemaining: tokens,
			MonthlyTokens:   tokens,
		}
	}
	return true, nil
}

func (f *fakeTokenLedger) Deduct(_ context.Context, userID string, tokens int64, _ types.TransactionType, _ *string, _ types.Metadata) (bool, error) {
	if !f.allowed {
		return false, nil
	}
	f.deducts = append(f.deducts, tokens)
	if b, ok := f.balances[userID]; ok {
		consumed := min(tokens, max(int64(0), b.TokensRemaining))
		b.TokensRemaining -= consumed
		b.TokensUsedThisPeriod += tokens
	}
	return true, nil
}

type fakeSwitcher struct {
	result *types.SwitchResult
	err    error
	calls  []string
}

func (f *fakeSwitcher) SwitchPlan(_ context.Context, userID string, target types.PlanType) (*types.SwitchResult, error) {
	f.calls = append(f.calls, "switch:"+userID+":"+string(target))
	return f.result, f.err
}

func (f *fakeSwitcher) EnrollUnlimited(_ context.Context, userID string) (*types.SwitchResult, error) {
	f.calls = append(f.calls, "enroll:"+userID)
	return f.result, f.err
}

func (f *fakeSwitcher) UnenrollUnlimited(_ context.Context, userID string) (*types.SwitchResult, error) {
	f.calls = append(f.calls, "unenroll:"+userID)
	return f.result, f.err
}

func (f *fakeSwitcher) Cancel(_ context.Context, userID string) (*types.SwitchResult, error) {
	f.calls = append(f.calls, "cancel:"+userID)
	return f.result, f.err
}

type fakeCatalog struct {
	plans map[types.PlanType]types.Plan
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{plans: map[types.PlanType]types.Plan{
		types.PlanFree:    {Type: types.PlanFree, Name: "Free", IncludedTokens: 50},
		types.PlanStarter: {Type: types.PlanStarter, Name: "Starter", IncludedTokens: 300, OverageUnitPriceCents: 2},
		types.PlanCreator: {Type: types.PlanCreator, Name: "Creator", IncludedTokens: 1250, OverageUnitPriceCents: 2},
		types.PlanUnlimited: {
			Type: types.PlanUnlimited, Name: "Unlimited",
			IncludedTokens: types.UnlimitedTokens, Hidden: true,
		},
	}}
}

func (f *fakeCatalog) Get(_ context.Context, planType types.PlanType) (types.Plan, error) {
	p, ok := f.plans[planType]
	if !ok {
		return types.Plan{}, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan", nil)
	}
	return p, nil
}

func (f *fakeCatalog) List(_ context.Context, includeHidden bool) []types.Plan {
	var out []types.Plan
	for _, p := range f.plans {
		if p.Hidden && !includeHidden {
			continue
		}
		out = append(out, p)
	}
	return out
}

type fakeSubReader struct {
	subs map[string]*types.SubscriptionRecord
	err  error
}

func (f *fakeSubReader) GetByUserID(_ context.Context, userID string) (*types.SubscriptionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[userID], nil
}

type fakeTxLister struct {
	txs       []types.TokenTransaction
	lastLimit int
}

func (f *fakeTxLister) ListTransactions(_ context.Context, _ string, limit int) ([]types.TokenTransaction, error) {
	f.lastLimit = limit
	if limit < len(f.txs) {
		return f.txs[:limit], nil
	}
	return f.txs, nil
}

type fakeVerifier struct {
	err        error
	lastSecret string
}

func (f *fakeVerifier) Verify(_ []byte, _ string, secret string) error {
	f.lastSecret = secret
	return f.err
}

type fakeEventProcessor struct {
	processed bool
	err       error
	payloads  [][]byte
}

func (f *fakeEventProcessor) ProcessEvent(_ context.Context, payload []byte) (bool, error) {
	f.payloads = append(f.payloads, payload)
	return f.processed, f.err
}

type fakeSyncRunner struct {
	synced bool
	err    error
	users  []string
}

func (f *fakeSyncRunner) EnsureTokensSynced(_ context.Context, userID string) (bool, error) {
	f.users = append(f.users, userID)
	return f.synced, f.err
}

var errBoom = errors.New("boom")
