package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/paper"
	"github.com/milliyang/zuilow/internal/web"
)

func TestPaperGateway_PlaceOrderPropagatesSimTime(t *testing.T) {
	var gotHeader string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/webhook", r.URL.Path)
		gotHeader = r.Header.Get(web.HeaderSimulationTime)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		web.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"order":  map[string]string{"id": "order-1"},
		})
	}))
	defer srv.Close()

	g := NewPaperGateway(srv.URL, srv.URL, "", 5*time.Second, zerolog.Nop())
	simTime := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	id, err := g.PlaceOrder(OrderTicket{
		Symbol:  "US.AAPL",
		Side:    paper.SideBuy,
		Qty:     100,
		Price:   180,
		Account: "paper1",
		SimTime: &simTime,
	})
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)
	assert.Equal(t, "2025-06-02T16:00:00Z", gotHeader)
	assert.Equal(t, "paper1", gotBody["account"])
	assert.Equal(t, "buy", gotBody["side"])
}

func TestPaperGateway_RejectionSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.WriteError(w, http.StatusBadRequest, "insufficient_cash")
	}))
	defer srv.Close()

	g := NewPaperGateway(srv.URL, srv.URL, "", 5*time.Second, zerolog.Nop())
	_, err := g.PlaceOrder(OrderTicket{Symbol: "US.AAPL", Side: paper.SideBuy, Qty: 1, Price: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient_cash")
}

func TestPaperGateway_ConnectNeedsBothChannels(t *testing.T) {
	command := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": []string{}})
	}))
	defer command.Close()
	data := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.WriteError(w, http.StatusInternalServerError, "down")
	}))
	defer data.Close()

	g := NewPaperGateway(command.URL, data.URL, "", 2*time.Second, zerolog.Nop())
	assert.Error(t, g.Connect())
	assert.False(t, g.IsConnected())
}

func TestRouter_UnknownTypeAndAccount(t *testing.T) {
	_, err := NewRouter([]config.AccountDef{{Name: "a", Type: "robinhood"}}, RouterDeps{}, zerolog.Nop())
	assert.Error(t, err)

	r, err := NewRouter([]config.AccountDef{
		{Name: "paper1", Type: "paper", BaseURL: "http://localhost:8020"},
	}, RouterDeps{DMSBaseURL: "http://localhost:8010", Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Gateway("paper1")
	assert.NoError(t, err)
	_, err = r.Gateway("ghost")
	assert.Error(t, err)
}
