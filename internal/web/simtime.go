package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/milliyang/zuilow/internal/clock"
)

// SimTime extracts the X-Simulation-Time header. Returns ok=false when the
// header is absent. A present-but-unparseable value is an error: the request
// must be rejected with 400 rather than silently falling back to the clock.
func SimTime(r *http.Request) (t time.Time, ok bool, err error) {
	raw := r.Header.Get(HeaderSimulationTime)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err = clock.ParseISO(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s header: %w", HeaderSimulationTime, err)
	}
	return t, true, nil
}

// EffectiveTime resolves the time an order or tick should carry: the
// simulation header when present, the service clock otherwise.
func EffectiveTime(r *http.Request, c *clock.Clock) (time.Time, error) {
	t, ok, err := SimTime(r)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return t, nil
	}
	return c.Now(), nil
}
