package dms

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/symbols"
	"github.com/milliyang/zuilow/internal/web"
)

// Handlers is the dms HTTP surface, mounted under /api/dms.
type Handlers struct {
	svc       *Service
	role      string
	startedAt time.Time
	log       zerolog.Logger
}

func NewHandlers(svc *Service, role string, log zerolog.Logger) *Handlers {
	return &Handlers{
		svc:       svc,
		role:      role,
		startedAt: time.Now().UTC(),
		log:       log.With().Str("component", "dms_api").Logger(),
	}
}

// Routes mounts the dms API on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/dms", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/symbols", h.handleSymbols)
		r.Get("/symbol/{sym}/info", h.handleSymbolInfo)
		r.Post("/read/batch", h.handleReadBatch)
		r.Post("/write/batch", h.handleWriteBatch)
		r.Post("/tasks/trigger", h.handleTrigger)
		r.Post("/tasks/trigger-all", h.handleTriggerAll)
		r.Get("/maintenance/log", h.handleMaintenanceLog)
		r.Post("/database/clear", h.handleDatabaseClear)
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	hits, misses, size := h.svc.CacheStats()
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running":     h.svc.IsRunning(),
		"uptime":      h.svc.Uptime(),
		"role":        h.role,
		"tasks_count": h.svc.TaskCount(),
		"cache": map[string]interface{}{
			"hits":   hits,
			"misses": misses,
			"size":   size,
		},
		"process": web.CollectProcessStats(h.startedAt),
	})
}

func (h *Handlers) handleSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := h.svc.Store().Symbols(r.Context())
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if syms == nil {
		syms = []string{}
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"symbols": syms})
}

func (h *Handlers) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	sym := symbols.Canonical(chi.URLParam(r, "sym"))
	if sym == "" {
		web.WriteError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = bars.Interval1d
	}

	latest, ok, err := h.svc.Store().Latest(r.Context(), sym, interval)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := h.svc.Store().Count(r.Context(), sym, interval)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"symbol":       sym,
		"latest_date":  "",
		"record_count": count,
	}
	if ok {
		resp["latest_date"] = latest.UTC().Format("2006-01-02")
	}
	web.WriteJSON(w, http.StatusOK, resp)
}

type readBatchRequest struct {
	Symbols   []string `json:"symbols"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Interval  string   `json:"interval"`
	AsOf      string   `json:"as_of"`
}

// frame is the pandas-style wire shape: parallel data rows and an ISO
// timestamp index.
type frame struct {
	Data  []frameRow `json:"data"`
	Index []string   `json:"index"`
}

type frameRow struct {
	Open   float64 `json:"Open"`
	High   float64 `json:"High"`
	Low    float64 `json:"Low"`
	Close  float64 `json:"Close"`
	Volume float64 `json:"Volume"`
}

func (h *Handlers) handleReadBatch(w http.ResponseWriter, r *http.Request) {
	var req readBatchRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		web.WriteError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	if req.Interval == "" {
		req.Interval = bars.Interval1d
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid start_date")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid end_date")
		return
	}
	// End of day inclusive so intraday bars on the end date are returned.
	end = end.Add(24*time.Hour - time.Second)

	if req.AsOf != "" {
		asOf, err := clock.ParseISO(req.AsOf)
		if err != nil {
			web.WriteError(w, http.StatusBadRequest, "invalid as_of")
			return
		}
		if asOf.Before(end) {
			end = asOf
		}
	}

	partitioned, err := h.svc.ReadBatch(r.Context(), req.Symbols, req.Interval, start, end)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make(map[string]frame, len(partitioned))
	for sym, rows := range partitioned {
		f := frame{Data: make([]frameRow, 0, len(rows)), Index: make([]string, 0, len(rows))}
		for _, b := range rows {
			f.Data = append(f.Data, frameRow{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
			f.Index = append(f.Index, b.Time.UTC().Format(clock.ISOFormat))
		}
		out[sym] = f
	}
	web.WriteJSON(w, http.StatusOK, out)
}

type writeBatchRequest struct {
	Bars []struct {
		Symbol   string  `json:"symbol"`
		Interval string  `json:"interval"`
		Time     string  `json:"time"`
		Open     float64 `json:"open"`
		High     float64 `json:"high"`
		Low      float64 `json:"low"`
		Close    float64 `json:"close"`
		Volume   float64 `json:"volume"`
	} `json:"bars"`
}

// handleWriteBatch lands replication pushes from a master instance.
func (h *Handlers) handleWriteBatch(w http.ResponseWriter, r *http.Request) {
	var req writeBatchRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rows := make([]bars.Bar, 0, len(req.Bars))
	for _, b := range req.Bars {
		ts, err := clock.ParseISO(b.Time)
		if err != nil {
			web.WriteError(w, http.StatusBadRequest, "invalid bar timestamp "+b.Time)
			return
		}
		rows = append(rows, bars.Bar{
			Symbol: b.Symbol, Interval: b.Interval, Time: ts,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	if err := h.svc.Store().Write(r.Context(), rows); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "written": len(rows)})
}

func (h *Handlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskName string `json:"task_name"`
	}
	if err := web.DecodeJSON(r, &req); err != nil || req.TaskName == "" {
		web.WriteError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if err := h.svc.TriggerTask(req.TaskName); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "task": req.TaskName})
}

func (h *Handlers) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType string `json:"task_type"`
	}
	// Body is optional; an empty one triggers everything.
	_ = web.DecodeJSON(r, &req)

	results := h.svc.TriggerAll(req.TaskType)
	success := 0
	for _, res := range results {
		if res.Started {
			success++
		}
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"triggered_count": len(results),
		"success_count":   success,
		"results":         results,
	})
}

func (h *Handlers) handleMaintenanceLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	rows, err := h.svc.MaintenanceLog().List(q.Get("task_name"), limit, offset)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []LogRow{}
	}
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{"log": rows, "count": len(rows)})
}

func (h *Handlers) handleDatabaseClear(w http.ResponseWriter, r *http.Request) {
	if h.role != "master" {
		web.WriteError(w, http.StatusForbidden, "database clear requires role=master")
		return
	}
	if err := h.svc.Store().Clear(r.Context()); err != nil {
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Warn().Msg("Database cleared by operator request")
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
