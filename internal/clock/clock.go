// Package clock is the single time source for every zuilow component.
// In real mode Now returns wall-clock UTC; in sim mode it returns a stored
// instant that only moves under explicit control (Set / Advance).
package clock

import (
	"fmt"
	"sync"
	"time"
)

// ISOFormat is the wire format for all timestamps: UTC ISO-8601 seconds.
const ISOFormat = "2006-01-02T15:04:05Z"

// Clock holds a process-wide mutable instant guarded by a mutex.
type Clock struct {
	mu  sync.RWMutex
	sim bool
	now time.Time
}

// NewReal creates a clock that follows wall-clock UTC.
func NewReal() *Clock {
	return &Clock{}
}

// NewSim creates a clock frozen at start (UTC). A zero start defaults to
// the current wall-clock time.
func NewSim(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Clock{sim: true, now: start.UTC()}
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sim {
		return c.now
	}
	return time.Now().UTC()
}

// NowISO returns Now formatted as UTC ISO-8601.
func (c *Clock) NowISO() string {
	return c.Now().Format(ISOFormat)
}

// Today returns the current date as YYYY-MM-DD.
func (c *Clock) Today() string {
	return c.Now().Format("2006-01-02")
}

// IsSimMode reports whether the clock is driven externally.
func (c *Clock) IsSimMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sim
}

// Set sets an absolute sim time and switches the clock to sim mode.
func (c *Clock) Set(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("cannot set clock to zero time")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sim = true
	c.now = t.UTC()
	return nil
}

// SetISO parses a UTC ISO-8601 string and sets the clock.
func (c *Clock) SetISO(s string) error {
	t, err := ParseISO(s)
	if err != nil {
		return err
	}
	return c.Set(t)
}

// Advance moves the sim clock forward. Requires sim mode and dur > 0.
func (c *Clock) Advance(dur time.Duration) error {
	if dur <= 0 {
		return fmt.Errorf("advance duration must be positive, got %s", dur)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sim {
		return fmt.Errorf("cannot advance clock in real mode")
	}
	c.now = c.now.Add(dur)
	return nil
}

// SnapToPreviousBoundary floors the sim clock's minute to a multiple of
// stepMinutes. Only 5, 15, 30 and 60 minute steps are supported.
func (c *Clock) SnapToPreviousBoundary(stepMinutes int) error {
	switch stepMinutes {
	case 5, 15, 30, 60:
	default:
		return fmt.Errorf("unsupported boundary step: %d minutes", stepMinutes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sim {
		return fmt.Errorf("cannot snap clock in real mode")
	}
	t := c.now
	snapped := t.Truncate(time.Minute)
	minute := snapped.Minute() - snapped.Minute()%stepMinutes
	c.now = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC)
	return nil
}

// ParseISO parses a UTC ISO-8601 timestamp. RFC3339 variants with explicit
// offsets are accepted and normalized to UTC.
func ParseISO(s string) (time.Time, error) {
	if t, err := time.Parse(ISOFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
