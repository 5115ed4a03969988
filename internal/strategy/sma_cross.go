package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/milliyang/zuilow/internal/bars"
)

func init() {
	Register("sma_cross", func(params map[string]interface{}) (Strategy, error) {
		s := &smaCross{fast: 10, slow: 30}
		ctx := &Context{Params: params}
		s.fast = ctx.ParamInt("fast", s.fast)
		s.slow = ctx.ParamInt("slow", s.slow)
		if s.fast <= 0 || s.slow <= s.fast {
			return nil, fmt.Errorf("sma_cross needs 0 < fast < slow, got fast=%d slow=%d", s.fast, s.slow)
		}
		return s, nil
	})
}

// smaCross emits buy on a golden cross of the fast SMA over the slow SMA
// and sell on the death cross. The close buffer resets whenever the runner
// moves to the next symbol.
type smaCross struct {
	fast, slow int

	symbol string
	closes []float64
}

func (s *smaCross) Name() string { return "sma_cross" }

func (s *smaCross) OnBar(bar bars.Bar, ctx *Context) (*Draft, error) {
	if bar.Symbol != s.symbol {
		s.symbol = bar.Symbol
		s.closes = s.closes[:0]
	}
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) < s.slow+1 {
		return nil, nil
	}

	fast := talib.Sma(s.closes, s.fast)
	slow := talib.Sma(s.closes, s.slow)
	n := len(s.closes) - 1

	prevDiff := fast[n-1] - slow[n-1]
	currDiff := fast[n] - slow[n]

	switch {
	case prevDiff <= 0 && currDiff > 0:
		return &Draft{Side: "buy", Reason: "sma golden cross"}, nil
	case prevDiff >= 0 && currDiff < 0:
		return &Draft{Side: "sell", Reason: "sma death cross"}, nil
	}
	return nil, nil
}
