package scheduler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/executor"
	"github.com/milliyang/zuilow/internal/paper"
	"github.com/milliyang/zuilow/internal/signals"
	"github.com/milliyang/zuilow/internal/symbols"
	"github.com/milliyang/zuilow/internal/web"
)

// Handlers is the zuilow HTTP surface.
type Handlers struct {
	sched          *Scheduler
	repo           *signals.Repository
	resolver       executor.GatewayResolver
	clock          *clock.Clock
	defaultAccount string
	startedAt      time.Time
	log            zerolog.Logger
}

func NewHandlers(sched *Scheduler, repo *signals.Repository, resolver executor.GatewayResolver,
	clk *clock.Clock, defaultAccount string, log zerolog.Logger) *Handlers {
	return &Handlers{
		sched:          sched,
		repo:           repo,
		resolver:       resolver,
		clock:          clk,
		defaultAccount: defaultAccount,
		startedAt:      time.Now().UTC(),
		log:            log.With().Str("component", "zuilow_api").Logger(),
	}
}

// Routes mounts the zuilow API on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/api/scheduler/start", h.handleStart)
	r.Post("/api/scheduler/stop", h.handleStop)
	r.Post("/api/scheduler/tick", h.handleTick)
	r.Post("/api/scheduler/reload", h.handleReload)
	r.Get("/api/scheduler/status", h.handleStatus)
	r.Get("/api/scheduler/jobs", h.handleJobs)
	r.Post("/api/scheduler/jobs/{name}/trigger", h.handleTriggerJob)
	r.Get("/api/scheduler/history", h.handleHistory)
	r.Get("/api/scheduler/statistics", h.handleStatistics)

	r.Post("/api/events", h.handleEvent)

	r.Get("/api/signals", h.handleListSignals)
	r.Post("/api/signals/{id}/cancel", h.handleCancelSignal)

	r.Post("/api/order", h.handleOrder)
	r.Get("/api/account", h.handleAccount)
	r.Get("/api/positions", h.handlePositions)
	r.Get("/api/orders", h.handleOrders)
	r.Get("/api/trades", h.handleTrades)

	r.Get("/api/market/quote/{symbol}", h.handleQuote)
	r.Get("/api/market/history", h.handleMarketHistory)
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Start(); err != nil {
		web.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleTick runs one synchronous tick. With an X-Simulation-Time header
// the clock is moved first, so replay drivers see a deterministic pass.
func (h *Handlers) handleTick(w http.ResponseWriter, r *http.Request) {
	simTime, ok, err := web.SimTime(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := h.clock.Now()
	if ok {
		if err := h.clock.Set(simTime); err != nil {
			web.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		now = simTime
	}

	h.sched.Tick(now)

	executed, err := h.repo.Count(signals.Filter{Status: signals.StatusExecuted})
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"time":           now.Format(clock.ISOFormat),
		"executed_total": executed,
	})
}

func (h *Handlers) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.LoadJobs(); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"jobs":   len(h.sched.Jobs()),
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.sched.Status()
	status["process"] = web.CollectProcessStats(h.startedAt)
	web.WriteJSON(w, http.StatusOK, status)
}

func (h *Handlers) handleJobs(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.sched.Jobs()})
}

func (h *Handlers) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sched.TriggerJob(name); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "triggered", "job": name})
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	rows, err := h.sched.history.List(q.Get("job_name"), limit, offset)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"history": rows})
}

func (h *Handlers) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sched.history.Statistics()
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"statistics": stats})
}

func (h *Handlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	var e Event
	if err := web.DecodeJSON(r, &e); err != nil || e.Type == "" {
		web.WriteError(w, http.StatusBadRequest, "event needs a type")
		return
	}
	h.sched.PublishEvent(e)
	web.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handlers) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := signals.Filter{
		Account: q.Get("account"),
		Market:  q.Get("market"),
		Status:  signals.Status(q.Get("status")),
		Kind:    signals.Kind(q.Get("kind")),
	}
	if from := q.Get("date_from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			web.WriteError(w, http.StatusBadRequest, "invalid date_from")
			return
		}
		f.DateFrom = t
	}
	if to := q.Get("date_to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			web.WriteError(w, http.StatusBadRequest, "invalid date_to")
			return
		}
		f.DateTo = t.AddDate(0, 0, 1).Add(-time.Second)
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	rows, err := h.repo.List(f, (page-1)*limit, limit)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.repo.Count(f)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"signals": rows,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

func (h *Handlers) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.repo.Cancel(id)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"cancelled": ok, "id": id})
}

type orderRequest struct {
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	Account string  `json:"account"`
	Price   float64 `json:"price"`
	Mode    string  `json:"mode"`
}

// handleOrder routes a direct order to the account's broker gateway.
func (h *Handlers) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Side != "buy" && req.Side != "sell" {
		web.WriteError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if req.Qty <= 0 {
		web.WriteError(w, http.StatusBadRequest, "qty must be positive")
		return
	}

	account := req.Account
	if account == "" {
		account = h.defaultAccount
	}
	gw, err := h.resolver.Gateway(account)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var simTime *time.Time
	if t, ok, err := web.SimTime(r); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	} else if ok {
		simTime = &t
	} else if h.clock.IsSimMode() {
		now := h.clock.Now()
		simTime = &now
	}

	orderID, err := gw.PlaceOrder(broker.OrderTicket{
		Symbol:    req.Symbol,
		Side:      paper.Side(req.Side),
		Qty:       req.Qty,
		Price:     req.Price,
		OrderType: "market",
		Account:   account,
		SimTime:   simTime,
	})
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"order_id": orderID,
		"account":  account,
	})
}

func (h *Handlers) accountGateway(r *http.Request) (broker.Gateway, string, error) {
	account := r.URL.Query().Get("account")
	if account == "" {
		account = h.defaultAccount
	}
	gw, err := h.resolver.Gateway(account)
	return gw, account, err
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	gw, account, err := h.accountGateway(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := gw.GetAccount(account)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, info)
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	gw, account, err := h.accountGateway(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := gw.GetPositions(account)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	gw, account, err := h.accountGateway(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := gw.GetOrders(account)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	// Trades are a paper-engine concept; real brokers expose orders only,
	// so the order log stands in for both.
	h.handleOrders(w, r)
}

func (h *Handlers) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := symbols.Canonical(chi.URLParam(r, "symbol"))
	if symbol == "" {
		web.WriteError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	gw, _, err := h.accountGateway(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := gw.GetQuote(symbol)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, quote)
}

func (h *Handlers) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := symbols.Canonical(q.Get("symbol"))
	if symbol == "" {
		web.WriteError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	start, err := time.Parse("2006-01-02", q.Get("start"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid start date")
		return
	}
	end, err := time.Parse("2006-01-02", q.Get("end"))
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid end date")
		return
	}
	interval := q.Get("ktype")
	if interval == "" {
		interval = bars.Interval1d
	}

	gw, _, err := h.accountGateway(r)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := gw.GetHistory(symbol, start, end, interval)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"bars": rows})
}
