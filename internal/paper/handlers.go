package paper

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/symbols"
	"github.com/milliyang/zuilow/internal/web"
)

// Handlers is the ppt HTTP surface. Market orders (price ≤ 0) are resolved
// through the quote source before they reach the Book.
type Handlers struct {
	store *Store
	book  *Book
	clock *clock.Clock
	quote QuoteFunc
	token string
	log   zerolog.Logger
}

func NewHandlers(store *Store, book *Book, clk *clock.Clock, quote QuoteFunc, token string, log zerolog.Logger) *Handlers {
	return &Handlers{
		store: store,
		book:  book,
		clock: clk,
		quote: quote,
		token: token,
		log:   log.With().Str("component", "ppt_api").Logger(),
	}
}

// Routes mounts the ppt API on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/api/webhook", h.handleWebhook)
	r.Post("/api/orders", h.handleWebOrder)

	r.Get("/api/account", h.handleAccount)
	r.Get("/api/positions", h.handlePositions)
	r.Get("/api/orders", h.handleOrders)
	r.Get("/api/trades", h.handleTrades)

	r.Get("/api/equity", h.handleEquity)
	r.Post("/api/equity/update", h.handleEquityUpdate)

	r.Get("/api/export/trades", h.handleExportTrades)
	r.Get("/api/export/equity", h.handleExportEquity)

	r.Get("/api/accounts", h.handleListAccounts)
	r.Post("/api/accounts", h.handleCreateAccount)
	r.Post("/api/accounts/switch", h.handleSwitchAccount)
	r.Delete("/api/accounts/{name}", h.handleDeleteAccount)
	r.Post("/api/account/deposit", h.handleDeposit)
	r.Post("/api/account/withdraw", h.handleWithdraw)
	r.Post("/api/account/reset", h.handleReset)
}

type webhookRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Action    string  `json:"action"`
	Qty       float64 `json:"qty"`
	Contracts float64 `json:"contracts"`
	Price     float64 `json:"price"`
	Account   string  `json:"account"`
	Token     string  `json:"token"`
}

// normalizeSide maps the external alias vocabulary onto buy/sell.
func normalizeSide(raw string) (Side, error) {
	switch raw {
	case "buy", "long", "buy_to_open":
		return SideBuy, nil
	case "sell", "short", "close", "sell_to_close":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown order side %q", raw)
	}
}

func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h.executeFromRequest(w, r, "webhook", true)
}

func (h *Handlers) handleWebOrder(w http.ResponseWriter, r *http.Request) {
	h.executeFromRequest(w, r, "web", false)
}

func (h *Handlers) executeFromRequest(w http.ResponseWriter, r *http.Request, source string, checkToken bool) {
	var req webhookRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if checkToken && h.token != "" {
		got := r.Header.Get(web.HeaderWebhookToken)
		if got == "" {
			got = req.Token
		}
		if got != h.token {
			web.WriteError(w, http.StatusUnauthorized, "invalid or missing auth token")
			return
		}
	}

	sideRaw := req.Side
	if sideRaw == "" {
		sideRaw = req.Action
	}
	side, err := normalizeSide(sideRaw)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	qty := req.Qty
	if qty == 0 {
		qty = req.Contracts
	}
	if qty <= 0 {
		web.WriteError(w, http.StatusBadRequest, "qty must be positive")
		return
	}

	account, err := h.resolveAccount(req.Account)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderTime, err := web.EffectiveTime(r, h.clock)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	price := req.Price
	if price <= 0 {
		// Market order: resolve through the data-source gateway.
		sym := symbols.Canonical(req.Symbol)
		if h.quote != nil {
			if q, qerr := h.quote(sym); qerr == nil && q > 0 {
				price = q
			}
		}
		if price <= 0 {
			web.WriteError(w, http.StatusBadRequest, ErrMarketQuoteMissing.Error())
			return
		}
	}

	result, err := h.book.Execute(OrderRequest{
		Account: account,
		Symbol:  req.Symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		Source:  source,
		Time:    orderTime,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCash) || errors.Is(err, ErrInsufficientPosition) ||
			errors.Is(err, ErrMarketQuoteMissing) {
			observeOrder(side, OrderRejected, 0, 0)
			web.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("account", account).Msg("Order execution failed")
		web.WriteError(w, http.StatusInternalServerError, "order execution failed")
		return
	}
	observeOrder(side, result.Order.Status, result.Trade.Qty*result.Trade.Price, result.Commission)

	// Sim-time orders leave equity to the external driver; in real mode the
	// day's equity row reflects the trade immediately.
	if _, ok, _ := web.SimTime(r); !ok && !h.clock.IsSimMode() {
		date := h.clock.Today()
		if _, err := h.book.RecomputeEquity(account, date, h.quoteOrWatchlist()); err != nil {
			h.log.Warn().Err(err).Str("account", account).Msg("Equity recompute after order failed")
		}
	}

	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"order":  result.Order,
		"simulation": map[string]interface{}{
			"slippage":   h.book.Sim().Slippage,
			"commission": result.Commission,
			"fill_rate":  h.book.Sim().FillRate,
			"total_cost": result.TotalCost,
		},
		"cash": result.Cash,
	})
}

// resolveAccount falls back to the current account when none is named.
func (h *Handlers) resolveAccount(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	current, err := h.store.CurrentAccount()
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", fmt.Errorf("no account configured")
	}
	return current, nil
}

// quoteOrWatchlist layers the watchlist's last traded price under the live
// quote source for equity valuation.
func (h *Handlers) quoteOrWatchlist() QuoteFunc {
	return func(symbol string) (float64, error) {
		if h.quote != nil {
			if q, err := h.quote(symbol); err == nil && q > 0 {
				return q, nil
			}
		}
		px, ok, err := h.store.WatchlistPrice(symbol)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("no price for %s", symbol)
		}
		return px, nil
	}
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.store.GetAccount(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if a == nil {
		web.WriteError(w, http.StatusNotFound, fmt.Sprintf("account %s does not exist", name))
		return
	}

	positions, err := h.store.ListPositions(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	quote := h.quoteOrWatchlist()
	positionValue := 0.0
	for _, p := range positions {
		px := p.AvgPrice
		if q, err := quote(p.Symbol); err == nil {
			px = q
		}
		positionValue += p.Qty * px
	}

	equity := a.Cash + positionValue
	pnl := equity - a.InitialCapital
	pnlPct := 0.0
	if a.InitialCapital > 0 {
		pnlPct = pnl / a.InitialCapital * 100
	}

	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":            a.Name,
		"initial_capital": a.InitialCapital,
		"cash":            a.Cash,
		"position_value":  positionValue,
		"equity":          equity,
		"pnl":             pnl,
		"pnl_pct":         pnlPct,
	})
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.store.ListPositions(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	quote := h.quoteOrWatchlist()
	for i := range positions {
		if q, err := quote(positions[i].Symbol); err == nil {
			positions[i].LastPrice = q
		}
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := h.store.ListOrders(name, limit)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.store.ListTrades(name, limit)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (h *Handlers) handleEquity(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := h.store.ListEquity(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"equity": points})
}

func (h *Handlers) handleEquityUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Date    string `json:"date"`
	}
	_ = web.DecodeJSON(r, &req)

	name, err := h.resolveAccount(req.Account)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	date := req.Date
	if date == "" {
		t, terr := web.EffectiveTime(r, h.clock)
		if terr != nil {
			web.WriteError(w, http.StatusBadRequest, terr.Error())
			return
		}
		date = t.Format("2006-01-02")
	}

	point, err := h.book.RecomputeEquity(name, date, h.quoteOrWatchlist())
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "equity": point})
}

func (h *Handlers) handleExportTrades(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := h.store.ListTrades(name, 10000)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="trades.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"time", "symbol", "side", "qty", "price", "value"})
	for _, t := range trades {
		_ = cw.Write([]string{
			t.Time.Format(time.RFC3339),
			t.Symbol,
			string(t.Side),
			strconv.FormatFloat(t.Qty, 'f', -1, 64),
			strconv.FormatFloat(t.Price, 'f', 4, 64),
			strconv.FormatFloat(t.Qty*t.Price, 'f', 2, 64),
		})
	}
	cw.Flush()
}

func (h *Handlers) handleExportEquity(w http.ResponseWriter, r *http.Request) {
	name, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := h.store.ListEquity(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="equity.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"date", "equity", "pnl", "pnl_pct"})
	for _, p := range points {
		_ = cw.Write([]string{
			p.Date,
			strconv.FormatFloat(p.Equity, 'f', 2, 64),
			strconv.FormatFloat(p.PnL, 'f', 2, 64),
			strconv.FormatFloat(p.PnLPct, 'f', 4, 64),
		})
	}
	cw.Flush()
}

func (h *Handlers) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	current, err := h.store.CurrentAccount()
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"current":  current,
	})
}

func (h *Handlers) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string  `json:"name"`
		InitialCapital float64 `json:"initial_capital"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := h.store.CreateAccount(req.Name, req.InitialCapital, h.clock.Now())
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusCreated, map[string]interface{}{"status": "ok", "account": a})
}

func (h *Handlers) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SwitchCurrent(req.Name); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "current": req.Name})
}

func (h *Handlers) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.book.Delete(name); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleCashAdjust(w, r, 1)
}

func (h *Handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleCashAdjust(w, r, -1)
}

func (h *Handlers) handleCashAdjust(w http.ResponseWriter, r *http.Request, sign float64) {
	var req struct {
		Account string  `json:"account"`
		Amount  float64 `json:"amount"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		web.WriteError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	name, err := h.resolveAccount(req.Account)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.AdjustCash(name, sign*req.Amount); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.store.GetAccount(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "cash": a.Cash})
}

func (h *Handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account        string   `json:"account"`
		InitialCapital *float64 `json:"initial_capital"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name, err := h.resolveAccount(req.Account)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.book.Reset(name, req.InitialCapital); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.store.GetAccount(name)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "account": a})
}
