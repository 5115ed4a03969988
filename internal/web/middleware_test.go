package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("empty configured token ignores headers", func(t *testing.T) {
		h := TokenAuth("")(next)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("matching webhook token passes", func(t *testing.T) {
		h := TokenAuth("secret")(next)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderWebhookToken, "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("api key header also accepted", func(t *testing.T) {
		h := TokenAuth("secret")(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderAPIKey, "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong token rejected with 401", func(t *testing.T) {
		h := TokenAuth("secret")(next)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderWebhookToken, "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "error")
	})

	t.Run("missing token rejected with 401", func(t *testing.T) {
		h := TokenAuth("secret")(next)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSimTime(t *testing.T) {
	t.Run("absent header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		_, ok, err := SimTime(req)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("valid header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderSimulationTime, "2025-06-02T16:00:00Z")
		got, ok, err := SimTime(req)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC), got)
	})

	t.Run("malformed header is an error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderSimulationTime, "yesterday")
		_, _, err := SimTime(req)
		assert.Error(t, err)
	})
}
