package stime

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/web"
)

// Handlers is the stime HTTP surface.
type Handlers struct {
	driver *Driver
	clock  *clock.Clock
	log    zerolog.Logger
}

func NewHandlers(driver *Driver, clk *clock.Clock, log zerolog.Logger) *Handlers {
	return &Handlers{
		driver: driver,
		clock:  clk,
		log:    log.With().Str("component", "stime_api").Logger(),
	}
}

// Routes mounts the stime API on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/now", h.handleNow)
	r.Post("/set", h.handleSet)
	r.Post("/advance", h.handleAdvance)
	r.Post("/advance-and-tick", h.handleAdvanceAndTick)
	r.Get("/advance-and-tick/status", h.handleStatus)
	r.Post("/advance-and-tick/cancel", h.handleCancel)
	r.Get("/config", h.handleGetConfig)
	r.Post("/config", h.handleSetConfig)
}

func (h *Handlers) handleNow(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

func (h *Handlers) handleSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Now string `json:"now"`
	}
	if err := web.DecodeJSON(r, &req); err != nil || req.Now == "" {
		web.WriteError(w, http.StatusBadRequest, "now is required")
		return
	}
	if err := h.clock.SetISO(req.Now); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

// stepRequest carries the unit fields shared by /advance and
// /advance-and-tick. Exactly one unit must be set and be at least 1.
type stepRequest struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`

	Steps          int  `json:"steps"`
	SnapToBoundary bool `json:"snap_to_boundary"`
}

func (req stepRequest) stepDuration() (time.Duration, error) {
	var dur time.Duration
	units := 0
	for _, u := range []struct {
		value int
		unit  time.Duration
	}{
		{req.Days, 24 * time.Hour},
		{req.Hours, time.Hour},
		{req.Minutes, time.Minute},
		{req.Seconds, time.Second},
	} {
		if u.value == 0 {
			continue
		}
		units++
		if u.value < 1 {
			return 0, errors.New("unit value must be at least 1")
		}
		dur = time.Duration(u.value) * u.unit
	}
	if units != 1 {
		return 0, errors.New("exactly one of days, hours, minutes, seconds is required")
	}
	return dur, nil
}

func (h *Handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dur, err := req.stepDuration()
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.clock.Advance(dur); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

func (h *Handlers) handleAdvanceAndTick(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dur, err := req.stepDuration()
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	steps := req.Steps
	if steps == 0 {
		steps = 1
	}

	if err := h.driver.Start(dur, steps, req.SnapToBoundary); err != nil {
		if errors.Is(err, ErrJobRunning) {
			web.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	web.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started", "steps": steps})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	web.WriteJSON(w, http.StatusOK, h.driver.Status())
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.driver.Cancel() {
		web.WriteError(w, http.StatusBadRequest, "no replay job is running")
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *Handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	urls, timeout := h.driver.Config()
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tick_urls":           urls,
		"zuilow_tick_timeout": int(timeout.Seconds()),
	})
}

func (h *Handlers) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TickURLs    []string `json:"tick_urls"`
		TickTimeout int      `json:"zuilow_tick_timeout"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.driver.SetConfig(req.TickURLs, time.Duration(req.TickTimeout)*time.Second); err != nil {
		web.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	urls, timeout := h.driver.Config()
	web.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tick_urls":           urls,
		"zuilow_tick_timeout": int(timeout.Seconds()),
	})
}
