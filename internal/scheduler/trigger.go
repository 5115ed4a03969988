package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is an externally published occurrence that event-triggered jobs
// match against.
type Event struct {
	Type   string                 `json:"type"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// due decides whether a job fires at now. Market-time triggers evaluate in
// the market's timezone; the minute guard stops a trigger from double-firing
// when several ticks land inside the same minute.
func (j *Job) due(now time.Time, events []Event) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.manualFire {
		j.manualFire = false
		return true
	}

	switch j.Def.Trigger {
	case "cron", "at_time":
		if j.lastCheck.IsZero() {
			j.lastCheck = now
			return false
		}
		next := j.schedule.Next(j.lastCheck)
		if now.Before(next) {
			return false
		}
		j.lastCheck = now
		return true

	case "interval":
		interval := time.Duration(j.Def.EverySeconds) * time.Second
		if j.lastRun.IsZero() || now.Sub(j.lastRun) >= interval {
			return true
		}
		return false

	case "event":
		for _, e := range events {
			if e.Type == j.Def.EventType && matchCondition(j.Def.Condition, e.Fields) {
				return true
			}
		}
		return false

	case "market_open":
		return j.marketMinuteDue(now, j.Market.OpenTime)

	case "market_close":
		return j.marketMinuteDue(now, j.Market.CloseTime)

	case "open_bar":
		local, ok := j.marketLocal(now)
		if !ok {
			return false
		}
		if local.Minute()%j.Market.BarMinutes != 0 {
			return false
		}
		return j.onceThisMinute(now)
	}
	return false
}

// marketLocal converts now into the market timezone, returning ok=false on
// weekends.
func (j *Job) marketLocal(now time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(j.Market.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return local, false
	}
	return local, true
}

func (j *Job) marketMinuteDue(now time.Time, hhmm string) bool {
	local, ok := j.marketLocal(now)
	if !ok {
		return false
	}
	if local.Format("15:04") != hhmm {
		return false
	}
	return j.onceThisMinute(now)
}

// onceThisMinute guards against re-firing within the same wall minute.
func (j *Job) onceThisMinute(now time.Time) bool {
	if !j.lastRun.IsZero() && now.Truncate(time.Minute).Equal(j.lastRun.Truncate(time.Minute)) {
		return false
	}
	return true
}

// matchCondition evaluates a "field op value" predicate against event
// fields. An empty condition matches everything. Supported operators:
// ==, >=, <=, >, <, in.
func matchCondition(cond string, fields map[string]interface{}) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}

	var op string
	for _, candidate := range []string{"==", ">=", "<=", ">", "<", " in "} {
		if strings.Contains(cond, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return false
	}

	parts := strings.SplitN(cond, op, 2)
	field := strings.TrimSpace(parts[0])
	expect := strings.TrimSpace(parts[1])

	value, ok := fields[field]
	if !ok {
		return false
	}

	switch strings.TrimSpace(op) {
	case "==":
		return fmt.Sprintf("%v", value) == strings.Trim(expect, `"'`)
	case "in":
		list := strings.Trim(expect, "[]")
		for _, item := range strings.Split(list, ",") {
			if fmt.Sprintf("%v", value) == strings.Trim(strings.TrimSpace(item), `"'`) {
				return true
			}
		}
		return false
	}

	have, ok := toFloat(value)
	if !ok {
		return false
	}
	want, err := strconv.ParseFloat(expect, 64)
	if err != nil {
		return false
	}
	switch op {
	case ">":
		return have > want
	case "<":
		return have < want
	case ">=":
		return have >= want
	case "<=":
		return have <= want
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
