package stime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
)

func newTestAPI(t *testing.T) (*httptest.Server, *clock.Clock) {
	t.Helper()
	clk := clock.NewSim(time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC))
	cfg := &config.StimeConfig{TickURLs: []string{"http://localhost:0"}, TickTimeout: 1}
	h := NewHandlers(NewDriver(cfg, clk, "", zerolog.Nop()), clk, zerolog.Nop())

	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, clk
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_NowAndSet(t *testing.T) {
	srv, clk := newTestAPI(t)

	resp := post(t, srv.URL+"/set", `{"now":"2025-06-02T09:30:00Z"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2025-06-02T09:30:00Z", clk.NowISO())

	resp = post(t, srv.URL+"/set", `{"now":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_AdvanceValidation(t *testing.T) {
	srv, clk := newTestAPI(t)

	resp := post(t, srv.URL+"/advance", `{"days":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2025-06-02T16:00:00Z", clk.NowISO())

	for _, body := range []string{
		`{}`,                      // no unit
		`{"days":0}`,              // zero unit
		`{"days":-1}`,             // negative
		`{"days":1,"hours":1}`,    // two units
		`{"minutes":-5,"days":1}`, // mixed bad
	} {
		resp := post(t, srv.URL+"/advance", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %s", body)
	}
}

func TestAPI_AdvanceAndTickValidation(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := post(t, srv.URL+"/advance-and-tick", `{"steps":3}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "a unit is required")

	resp = post(t, srv.URL+"/advance-and-tick", `{"days":1,"steps":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ConfigRoundTrip(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := post(t, srv.URL+"/config", `{"tick_urls":["http://a","http://b"],"zuilow_tick_timeout":120}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}
