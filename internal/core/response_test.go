package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

func requestWithID(t *testing.T, id string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	return r.WithContext(types.WithRequestID(r.Context(), id))
}

func TestJSON_WritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, requestWithID(t, "req-1"), http.StatusCreated, APIResponse{Data: map[string]int64{"tokens": 42}})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"tokens":42}}`, w.Body.String())
}

func TestError_AppErrorMapsToStatus(t *testing.T) {
	cases := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrCodeValidationInvalidBody, http.StatusBadRequest},
		{types.ErrCodeAuthAdminKeyInvalid, http.StatusUnauthorized},
		{types.ErrCodeTokensInsufficient, http.StatusPaymentRequired},
		{types.ErrCodeNotFoundPlan, http.StatusNotFound},
		{types.ErrCodeConflictLockHeld, http.StatusConflict},
		{types.ErrCodeUpstreamBilling, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			Error(w, requestWithID(t, "req-1"), types.NewAppError(tc.code, "nope", nil))

			assert.Equal(t, tc.wantStatus, w.Code)
			var resp APIErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(tc.code), resp.Error.Code)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestError_WrappedAppErrorStillMaps(t *testing.T) {
	w := httptest.NewRecorder()
	inner := types.NewAppError(types.ErrCodeNotFoundSubscription, "gone", nil)
	Error(w, requestWithID(t, "req-1"), errors.Join(errors.New("outer"), inner))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestError_GenericErrorIsOpaque500(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, requestWithID(t, "req-1"), errors.New("pgx: connection refused to db-internal-host"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db-internal-host", "internal details never leak")
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Plan string `json:"plan"`
	}

	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"creator"}`))
		var p payload
		require.NoError(t, DecodeJSON(httptest.NewRecorder(), r, &p))
		assert.Equal(t, "creator", p.Plan)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"x","bogus":1}`))
		var p payload
		err := DecodeJSON(httptest.NewRecorder(), r, &p)
		require.Error(t, err)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var p payload
		require.Error(t, DecodeJSON(httptest.NewRecorder(), r, &p))
	})

	t.Run("syntax error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{plan`))
		var p payload
		require.Error(t, DecodeJSON(httptest.NewRecorder(), r, &p))
	})

	t.Run("trailing value", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"x"}{"plan":"y"}`))
		var p payload
		require.Error(t, DecodeJSON(httptest.NewRecorder(), r, &p))
	})

	t.Run("oversized body", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
		body := `{"plan":"` + string(big) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		var p payload
		require.Error(t, DecodeJSON(httptest.NewRecorder(), r, &p))
	})

	t.Run("type mismatch carries field detail", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":7}`))
		var p payload
		err := DecodeJSON(httptest.NewRecorder(), r, &p)
		require.Error(t, err)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "plan", appErr.Details["field"])
	})
}
