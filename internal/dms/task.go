package dms

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/milliyang/zuilow/internal/config"
)

// Task states. A restart derives the reported state from the newest
// maintenance_log row; an orphaned running row stays RUNNING until the
// next run overwrites it.
const (
	TaskIdle      = "IDLE"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
)

// Task is the runtime state wrapped around a TaskDef.
type Task struct {
	Def      config.TaskDef
	schedule cron.Schedule // set for cron tasks

	mu         sync.Mutex
	status     string
	lastCheck  time.Time
	lastRun    time.Time
	runCount   int
	lastIssues []string // newest validation report
}

func buildTask(def config.TaskDef) (*Task, error) {
	switch def.Type {
	case "incremental", "full_sync", "validation", "repair":
	default:
		return nil, fmt.Errorf("task %s has unknown type %q", def.Name, def.Type)
	}

	t := &Task{Def: def, status: TaskIdle}
	if def.Cron != "" {
		sched, err := cron.ParseStandard(def.Cron)
		if err != nil {
			return nil, fmt.Errorf("task %s has invalid cron expression %q: %w", def.Name, def.Cron, err)
		}
		t.schedule = sched
	}
	return t, nil
}

// due decides whether the task fires at now. Cron tasks fire when now has
// passed the next activation after last_check; interval tasks fire when
// the interval elapsed since last_check. The first cron evaluation only
// primes the baseline.
func (t *Task) due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == TaskRunning {
		return false
	}

	if t.schedule != nil {
		if t.lastCheck.IsZero() {
			t.lastCheck = now
			return false
		}
		next := t.schedule.Next(t.lastCheck)
		if now.Before(next) {
			return false
		}
		t.lastCheck = now
		return true
	}

	interval := time.Duration(t.Def.EverySeconds) * time.Second
	if t.lastCheck.IsZero() || now.Sub(t.lastCheck) >= interval {
		t.lastCheck = now
		return true
	}
	return false
}

// tryStart flips the task into RUNNING; false means a run is in flight.
func (t *Task) tryStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskRunning {
		return false
	}
	t.status = TaskRunning
	return true
}

func (t *Task) finish(ranAt time.Time, issues []string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if failed {
		t.status = TaskFailed
	} else {
		t.status = TaskCompleted
	}
	t.lastRun = ranAt
	t.runCount++
	if issues != nil {
		t.lastIssues = issues
	}
}

// restoreStatus maps the newest maintenance_log status onto the runtime
// state after a restart.
func (t *Task) restoreStatus(logStatus string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch logStatus {
	case "completed":
		t.status = TaskCompleted
	case "failed":
		t.status = TaskFailed
	case "running":
		// Orphaned by a restart; reported as RUNNING until the next run.
		t.status = TaskRunning
	}
}

// clearOrphan resets an orphaned RUNNING state so the task can fire again.
func (t *Task) clearOrphan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskRunning {
		t.status = TaskIdle
	}
}

// TaskSnapshot is the wire view of a task for the status API.
type TaskSnapshot struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Interval   string     `json:"interval"`
	Enabled    bool       `json:"enabled"`
	Status     string     `json:"status"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int        `json:"run_count"`
	LastIssues []string   `json:"last_issues,omitempty"`
}

func (t *Task) snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TaskSnapshot{
		Name:       t.Def.Name,
		Type:       t.Def.Type,
		Interval:   t.Def.Interval,
		Enabled:    t.Def.Enabled,
		Status:     t.status,
		RunCount:   t.runCount,
		LastIssues: t.lastIssues,
	}
	if !t.lastRun.IsZero() {
		r := t.lastRun
		s.LastRun = &r
	}
	return s
}
