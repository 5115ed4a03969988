package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimClock_SetAndAdvance(t *testing.T) {
	c := NewSim(time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC))
	assert.True(t, c.IsSimMode())
	assert.Equal(t, "2025-06-01T16:00:00Z", c.NowISO())
	assert.Equal(t, "2025-06-01", c.Today())

	require.NoError(t, c.Advance(24*time.Hour))
	assert.Equal(t, "2025-06-02T16:00:00Z", c.NowISO())

	err := c.Advance(0)
	assert.Error(t, err, "zero advance must be rejected")

	err = c.Advance(-time.Minute)
	assert.Error(t, err, "negative advance must be rejected")
}

func TestSimClock_SetISO(t *testing.T) {
	c := NewSim(time.Time{})

	require.NoError(t, c.SetISO("2025-11-17T10:00:00Z"))
	assert.Equal(t, "2025-11-17T10:00:00Z", c.NowISO())

	// RFC3339 with offset is normalized to UTC
	require.NoError(t, c.SetISO("2025-11-17T18:00:00+08:00"))
	assert.Equal(t, "2025-11-17T10:00:00Z", c.NowISO())

	assert.Error(t, c.SetISO("not-a-time"))
	assert.Error(t, c.SetISO("2025-11-17"))
}

func TestSnapToPreviousBoundary(t *testing.T) {
	cases := []struct {
		name string
		now  string
		step int
		want string
	}{
		{"15m floors to quarter", "2025-06-01T16:23:45Z", 15, "2025-06-01T16:15:00Z"},
		{"5m floors", "2025-06-01T16:23:45Z", 5, "2025-06-01T16:20:00Z"},
		{"60m floors to hour", "2025-06-01T16:59:59Z", 60, "2025-06-01T16:00:00Z"},
		{"already on boundary", "2025-06-01T16:30:00Z", 30, "2025-06-01T16:30:00Z"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, err := ParseISO(tc.now)
			require.NoError(t, err)
			c := NewSim(start)
			require.NoError(t, c.SnapToPreviousBoundary(tc.step))
			assert.Equal(t, tc.want, c.NowISO())
		})
	}

	c := NewSim(time.Now())
	assert.Error(t, c.SnapToPreviousBoundary(7), "only 5/15/30/60 are valid steps")
}

func TestRealClock(t *testing.T) {
	c := NewReal()
	assert.False(t, c.IsSimMode())

	before := time.Now().UTC()
	now := c.Now()
	after := time.Now().UTC()
	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))

	assert.Error(t, c.Advance(time.Minute), "real clock cannot be advanced")

	// Set switches to sim mode
	require.NoError(t, c.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, c.IsSimMode())
}
