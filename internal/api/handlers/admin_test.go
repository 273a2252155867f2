package handlers

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3venthoriz0n/hopper-sub000/internal/core"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

type adminFixture struct {
	ledger  *fakeTokenLedger
	subs    *fakeSubReader
	catalog *fakeCatalog
	sync    *fakeSyncRunner
	handler *AdminHandler
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		ledger:  newFakeTokenLedger(),
		subs:    &fakeSubReader{subs: map[string]*types.SubscriptionRecord{}},
		catalog: newFakeCatalog(),
		sync:    &fakeSyncRunner{},
	}
	f.handler = NewAdminHandler(f.ledger, f.subs, f.catalog, f.sync, testLogger())
	return f
}

func TestAdminHandler_GrantTokens(t *testing.T) {
	f := newAdminFixture(t)
	f.ledger.balances["user-1"] = &types.TokenBalance{
		UserID: "user-1", TokensRemaining: 10, MonthlyTokens: 50,
	}

	req := jsonRequest(t, http.MethodPost, "/admin/tokens/grant",
		`{"user_id":"user-1","tokens":25,"reason":"support credit"}`)
	rec := serve(t, f.handler.RegisterRoutes, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{25}, f.ledger.adds)
	var bal types.TokenBalance
	decodeData(t, rec, &bal)
	assert.Equal(t, int64(35), bal.TokensRemaining)
	assert.Equal(t, int64(75), bal.MonthlyTokens, "grants raise the baseline")
}

func TestAdminHandler_GrantTokens_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing user", `{"tokens":25}`},
		{"zero tokens", `{"user_id":"user-1","tokens":0}`},
		{"negative tokens", `{"user_id":"user-1","tokens":-5}`},
		{"malformed body", `{"user_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAdminFixture(t)
			req := jsonRequest(t, http.MethodPost, "/admin/tokens/grant", tc.body)
			rec := serve(t, f.handler.RegisterRoutes, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.ledger.adds)
		})
	}
}

func TestAdminHandler_DeductTokens_OveragePreview(t *testing.T) {
	f := newAdminFixture(t)
	f.ledger.balances["user-1"] = &types.TokenBalance{
		UserID: "user-1", TokensRemaining: 5, TokensUsedThisPeriod: 295, MonthlyTokens: 300,
	}
	f.subs.subs["user-1"] = &types.SubscriptionRecord{
		UserID: "user-1", PlanType: types.PlanStarter, Status: types.SubStatusActive,
	}

	req := jsonRequest(t, http.MethodPost, "/admin/tokens/deduct",
		`{"user_id":"user-1","tokens":15,"reason":"load test"}`)
	rec := serve(t, f.handler.RegisterRoutes, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var preview deductPreview
	decodeData(t, rec, &preview)
	assert.True(t, preview.Allowed)
	assert.Equal(t, int64(5), preview.IncludedTokens)
	assert.Equal(t, int64(10), preview.OverageTokens)
	assert.Equal(t, int64(20), preview.OverageCents, "10 overage tokens at 2 cents each")
	assert.Zero(t, preview.Remaining)
}

func TestAdminHandler_DeductTokens_WithinAllocation(t *testing.T) {
	f := newAdminFixture(t)
	f.ledger.balances["user-1"] = &types.TokenBalance{
		UserID: "user-1", TokensRemaining: 100, MonthlyTokens: 300,
	}

	req := jsonRequest(t, http.MethodPost, "/admin/tokens/deduct",
		`{"user_id":"user-1","tokens":30}`)
	rec := serve(t, f.handler.RegisterRoutes, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var preview deductPreview
	decodeData(t, rec, &preview)
	assert.True(t, preview.Allowed)
	assert.Equal(t, int64(30), preview.IncludedTokens)
	assert.Zero(t, preview.OverageTokens)
	assert.Zero(t, preview.OverageCents)
	assert.Equal(t, int64(70), preview.Remaining)
}

func TestAdminHandler_DeductTokens_PolicyRejection(t *testing.T) {
	f := newAdminFixture(t)
	f.ledger.allowed = false
	f.ledger.balances["user-1"] = &types.TokenBalance{
		UserID: "user-1", TokensRemaining: 2, MonthlyTokens: 50,
	}

	req := jsonRequest(t, http.MethodPost, "/admin/tokens/deduct",
		`{"user_id":"user-1","tokens":10}`)
	rec := serve(t, f.handler.RegisterRoutes, req)

	require.Equal(t, http.StatusOK, rec.Code, "a policy rejection is a result, not an error")
	var preview deductPreview
	decodeData(t, rec, &preview)
	assert.False(t, preview.Allowed)
	assert.Equal(t, int64(2), preview.Remaining, "balance untouched on rejection")
	assert.Zero(t, preview.OverageTokens)
}

func TestAdminHandler_SyncUser(t *testing.T) {
	f := newAdminFixture(t)
	f.sync.synced = true

	req := jsonRequest(t, http.MethodPost, "/admin/sync/user-1", "")
	rec := serve(t, f.handler.RegisterRoutes, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"synced":true}}`, rec.Body.String())
	assert.Equal(t, []string{"user-1"}, f.sync.users)
}

func TestAdminRoutes_RequireAdminKey(t *testing.T) {
	f := newAdminFixture(t)
	register := func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(core.RequireAdminKey("topsecret"))
			f.handler.RegisterRoutes(r)
		})
	}

	t.Run("missing key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/admin/sync/user-1", "")
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, f.sync.users)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/admin/sync/user-1", "")
		req.Header.Set("X-Admin-Key", "guess")
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, f.sync.users)
	})

	t.Run("valid key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/admin/sync/user-1", "")
		req.Header.Set("X-Admin-Key", "topsecret")
		rec := serve(t, register, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"user-1"}, f.sync.users)
	})
}
