// Package stime drives the simulation clock: it advances time in fixed
// steps and pushes each new instant to downstream services over HTTP. The
// driver is deliberately sequential; one job runs at a time and within a
// step the tick URLs are called in order, so every downstream service sees
// the correct sim time before the next step starts.
package stime

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/web"
)

// ErrJobRunning is returned when a replay job is already in flight.
var ErrJobRunning = fmt.Errorf("a replay job is already running")

// Driver owns the sim clock and the replay job state. One mutex guards
// everything; the job body runs in a single goroutine.
type Driver struct {
	clock *clock.Clock
	token string
	log   zerolog.Logger

	mu       sync.Mutex
	tickURLs []string
	timeout  time.Duration

	running       bool
	cancelled     bool
	stepsDone     int
	stepsTotal    int
	executedTotal int
	lastErr       string
}

// NewDriver wires a driver from the stime config.
func NewDriver(cfg *config.StimeConfig, clk *clock.Clock, token string, log zerolog.Logger) *Driver {
	return &Driver{
		clock:    clk,
		token:    token,
		log:      log.With().Str("component", "stime_driver").Logger(),
		tickURLs: cfg.TickURLs,
		timeout:  time.Duration(cfg.TickTimeout) * time.Second,
	}
}

// Status is the wire view of the job state.
type Status struct {
	Running       bool   `json:"running"`
	StepsDone     int    `json:"steps_done"`
	StepsTotal    int    `json:"steps_total"`
	ExecutedTotal int    `json:"executed_total"`
	Cancelled     bool   `json:"cancelled"`
	Error         string `json:"error,omitempty"`
	Now           string `json:"now"`
}

// Status snapshots the current job state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:       d.running,
		StepsDone:     d.stepsDone,
		StepsTotal:    d.stepsTotal,
		ExecutedTotal: d.executedTotal,
		Cancelled:     d.cancelled,
		Error:         d.lastErr,
		Now:           d.clock.NowISO(),
	}
}

// Config returns the current tick fan-out settings.
func (d *Driver) Config() ([]string, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	urls := make([]string, len(d.tickURLs))
	copy(urls, d.tickURLs)
	return urls, d.timeout
}

// SetConfig replaces the tick fan-out settings. Rejected mid-job.
func (d *Driver) SetConfig(urls []string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrJobRunning
	}
	if len(urls) > 0 {
		d.tickURLs = urls
	}
	if timeout > 0 {
		d.timeout = timeout
	}
	return nil
}

// Start launches an advance-and-tick job of steps × step. Returns
// ErrJobRunning when a job is in flight. With snap, the clock first floors
// to the previous step boundary (minute steps of 5/15/30/60 only).
func (d *Driver) Start(step time.Duration, steps int, snap bool) error {
	if step <= 0 {
		return fmt.Errorf("step must be positive")
	}
	if steps <= 0 {
		return fmt.Errorf("steps must be at least 1")
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrJobRunning
	}
	if snap {
		minutes := int(step.Minutes())
		if err := d.clock.SnapToPreviousBoundary(minutes); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.running = true
	d.cancelled = false
	d.stepsDone = 0
	d.stepsTotal = steps
	d.executedTotal = 0
	d.lastErr = ""
	urls := make([]string, len(d.tickURLs))
	copy(urls, d.tickURLs)
	timeout := d.timeout
	d.mu.Unlock()

	go d.run(step, steps, urls, timeout)
	return nil
}

// Cancel flags the running job; the flag is honored before the next step.
// Returns false when no job is running.
func (d *Driver) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return false
	}
	d.cancelled = true
	return true
}

func (d *Driver) run(step time.Duration, steps int, urls []string, timeout time.Duration) {
	client := resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json")
	if d.token != "" {
		client.SetHeader(web.HeaderWebhookToken, d.token)
	}

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for i := 0; i < steps; i++ {
		d.mu.Lock()
		cancelled := d.cancelled
		d.mu.Unlock()
		if cancelled {
			d.log.Info().Int("steps_done", i).Msg("Replay cancelled")
			return
		}

		if err := d.clock.Advance(step); err != nil {
			d.setError(fmt.Sprintf("clock advance failed: %v", err))
			return
		}
		simTime := d.clock.NowISO()

		if !d.tickStep(client, urls, simTime) {
			return
		}

		d.mu.Lock()
		d.stepsDone++
		d.mu.Unlock()
		observeStep()
		d.log.Info().Str("sim_time", simTime).Int("step", i+1).Int("steps", steps).Msg("Replay step complete")
	}
}

// tickStep calls every URL in order for one sim instant. The first URL is
// the driver of the step; its failure aborts the whole job. Later URLs are
// best effort.
func (d *Driver) tickStep(client *resty.Client, urls []string, simTime string) bool {
	for i, url := range urls {
		var body struct {
			ExecutedTotal int `json:"executed_total"`
		}
		resp, err := client.R().
			SetHeader(web.HeaderSimulationTime, simTime).
			SetResult(&body).
			Post(url)

		failed := err != nil || resp.StatusCode() >= 400
		if i == 0 {
			if failed {
				msg := fmt.Sprintf("tick to %s failed", url)
				if err != nil {
					msg = fmt.Sprintf("%s: %v", msg, err)
				} else {
					msg = fmt.Sprintf("%s: status %d: %s", msg, resp.StatusCode(), resp.String())
				}
				d.setError(msg)
				return false
			}
			d.mu.Lock()
			d.executedTotal = body.ExecutedTotal
			d.mu.Unlock()
			continue
		}
		if failed {
			d.log.Warn().Str("url", url).Str("sim_time", simTime).Err(err).
				Msg("Secondary tick failed; continuing")
		}
	}
	return true
}

func (d *Driver) setError(msg string) {
	d.mu.Lock()
	d.lastErr = msg
	d.mu.Unlock()
	d.log.Error().Str("error", msg).Msg("Replay aborted")
}
