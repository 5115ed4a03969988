package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/symbols"
)

// Provider resolves quotes and history for a run. Both must come from the
// same broker assigned to the account, so that execution and strategy
// input never see cross-broker price drift.
type Provider interface {
	Quote(symbol string) (float64, error)
	History(symbol string, start, end time.Time, interval string) ([]bars.Bar, error)
}

// historyWindowDays is the bar window fed to per-symbol strategies.
const historyWindowDays = 150

// Runner drives a strategy over its symbols and collects drafts.
type Runner struct {
	clock      *clock.Clock
	defaultQty float64
	log        zerolog.Logger
}

// NewRunner wires a runner. defaultQty is used when a draft omits qty.
func NewRunner(clk *clock.Clock, defaultQty float64, log zerolog.Logger) *Runner {
	if defaultQty <= 0 {
		defaultQty = 100
	}
	return &Runner{
		clock:      clk,
		defaultQty: defaultQty,
		log:        log.With().Str("component", "strategy_runner").Logger(),
	}
}

// RunInput names the job context a run happens in.
type RunInput struct {
	Strategy Strategy
	Symbols  []string
	Account  string
	JobName  string
	Market   string
	Params   map[string]interface{}
	Provider Provider
}

// Run executes one strategy invocation and returns the emitted drafts.
// A portfolio-level strategy short-circuits the per-symbol walk: its single
// rebalance draft is the whole output.
func (r *Runner) Run(in RunInput) ([]Draft, error) {
	now := r.clock.Now()
	ctx := &Context{
		Account: AccountSnapshot{Name: in.Account, Cash: 100000, Equity: 100000},
		Params:  in.Params,
		Now:     now,
	}

	if reb, ok := in.Strategy.(Rebalancer); ok {
		draft, err := reb.RebalanceOutput(ctx)
		if err != nil {
			return nil, fmt.Errorf("strategy %s rebalance failed: %w", in.Strategy.Name(), err)
		}
		if draft != nil {
			draft.Timestamp = now.Format(clock.ISOFormat)
			return []Draft{*draft}, nil
		}
	}

	var out []Draft
	for _, raw := range in.Symbols {
		sym := symbols.Canonical(raw)
		if sym == "" {
			r.log.Warn().Str("symbol", raw).Msg("Skipping invalid symbol")
			continue
		}

		price, err := in.Provider.Quote(sym)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", sym).Msg("Quote unavailable; last close will be used")
			price = 0
		}

		window, err := in.Provider.History(sym, now.AddDate(0, 0, -historyWindowDays), now, bars.Interval1d)
		if err != nil {
			return nil, fmt.Errorf("history read for %s failed: %w", sym, err)
		}
		if len(window) == 0 {
			r.log.Warn().Str("symbol", sym).Msg("No history; symbol skipped")
			continue
		}

		ctx.History = window
		var last *Draft
		for _, bar := range window {
			draft, err := in.Strategy.OnBar(bar, ctx)
			if err != nil {
				return nil, fmt.Errorf("strategy %s on %s failed: %w", in.Strategy.Name(), sym, err)
			}
			if draft != nil {
				last = draft
			}
		}
		if last == nil {
			continue
		}

		if price <= 0 {
			price = window[len(window)-1].Close
		}
		qty := last.Qty
		if qty <= 0 {
			qty = r.defaultQty
		}
		out = append(out, Draft{
			Symbol:    sym,
			Side:      last.Side,
			Qty:       qty,
			Price:     price,
			Reason:    last.Reason,
			Timestamp: now.Format(clock.ISOFormat),
		})
	}
	return out, nil
}
