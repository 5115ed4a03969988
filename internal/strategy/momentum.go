package strategy

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/milliyang/zuilow/internal/bars"
)

func init() {
	Register("momentum", func(params map[string]interface{}) (Strategy, error) {
		s := &momentum{lookback: 20, zEntry: 1.5}
		ctx := &Context{Params: params}
		s.lookback = ctx.ParamInt("lookback", s.lookback)
		s.zEntry = ctx.ParamFloat("z_entry", s.zEntry)
		if s.lookback < 5 {
			return nil, fmt.Errorf("momentum needs lookback >= 5, got %d", s.lookback)
		}
		return s, nil
	})
}

// momentum scores the latest daily return against the distribution of
// returns over the lookback window and trades on extreme z-scores.
type momentum struct {
	lookback int
	zEntry   float64

	symbol string
	closes []float64
}

func (s *momentum) Name() string { return "momentum" }

func (s *momentum) OnBar(bar bars.Bar, ctx *Context) (*Draft, error) {
	if bar.Symbol != s.symbol {
		s.symbol = bar.Symbol
		s.closes = s.closes[:0]
	}
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) < s.lookback+2 {
		return nil, nil
	}

	window := s.closes[len(s.closes)-s.lookback-1:]
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			return nil, nil
		}
		returns = append(returns, window[i]/window[i-1]-1)
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return nil, nil
	}
	z := (returns[len(returns)-1] - mean) / std

	switch {
	case z > s.zEntry:
		return &Draft{Side: "buy", Reason: fmt.Sprintf("momentum z=%.2f", z)}, nil
	case z < -s.zEntry:
		return &Draft{Side: "sell", Reason: fmt.Sprintf("momentum z=%.2f", z)}, nil
	}
	return nil, nil
}
