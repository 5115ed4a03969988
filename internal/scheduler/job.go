// Package scheduler is the zuilow trigger loop: it evaluates job triggers,
// runs strategies through the runner, persists the resulting signals and
// drains due signals through the executor. Within one tick strategy jobs
// always run before execution jobs.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/milliyang/zuilow/internal/config"
)

// Job is the runtime state wrapped around a JobDef. Auto-injected
// execution jobs have an empty strategy.
type Job struct {
	Def      config.JobDef
	Market   *config.MarketDef // resolved for market-time triggers
	AutoExec bool              // auto-injected execution job

	schedule cron.Schedule // parsed cron / at_time expression

	mu         sync.Mutex
	running    bool
	manualFire bool
	lastRun    time.Time
	lastCheck  time.Time
	runCount   int
	errorCount int
}

// IsExecutionJob reports whether the job consumes signals instead of
// producing them.
func (j *Job) IsExecutionJob() bool {
	return j.Def.Strategy == ""
}

// tryAcquire flips the is_running flag; false means a run is in flight.
func (j *Job) tryAcquire() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	j.running = true
	return true
}

func (j *Job) release(ranAt time.Time, failed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	j.lastRun = ranAt
	j.runCount++
	if failed {
		j.errorCount++
	}
}

// requestManual arms a one-shot manual fire.
func (j *Job) requestManual() {
	j.mu.Lock()
	j.manualFire = true
	j.mu.Unlock()
}

// Snapshot is the wire view of a job for the status API.
type Snapshot struct {
	Name       string     `json:"name"`
	Strategy   string     `json:"strategy,omitempty"`
	Trigger    string     `json:"trigger"`
	Account    string     `json:"account,omitempty"`
	Market     string     `json:"market,omitempty"`
	Priority   int        `json:"priority"`
	Enabled    bool       `json:"enabled"`
	AutoExec   bool       `json:"auto_exec"`
	IsRunning  bool       `json:"is_running"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int        `json:"run_count"`
	ErrorCount int        `json:"error_count"`
}

func (j *Job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		Name:       j.Def.Name,
		Strategy:   j.Def.Strategy,
		Trigger:    j.Def.Trigger,
		Account:    j.Def.Account,
		Market:     j.Def.Market,
		Priority:   j.Def.Priority,
		Enabled:    j.Def.Enabled,
		AutoExec:   j.AutoExec,
		IsRunning:  j.running,
		RunCount:   j.runCount,
		ErrorCount: j.errorCount,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		s.LastRun = &t
	}
	return s
}

// buildJob parses the trigger expression and resolves the market.
func buildJob(def config.JobDef, markets map[string]*config.MarketDef) (*Job, error) {
	j := &Job{Def: def}

	switch def.Trigger {
	case "cron", "at_time":
		expr := def.Cron
		if expr == "" {
			expr = def.AtTime
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("job %s has invalid cron expression %q: %w", def.Name, expr, err)
		}
		j.schedule = sched
	case "market_open", "market_close", "open_bar":
		m, ok := markets[strings.ToUpper(def.Market)]
		if !ok {
			return nil, fmt.Errorf("job %s references unknown market %q", def.Name, def.Market)
		}
		j.Market = m
	case "interval", "event":
		// validated at load time
	default:
		return nil, fmt.Errorf("job %s has unknown trigger %q", def.Name, def.Trigger)
	}
	return j, nil
}
