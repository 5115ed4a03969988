package strategy

import (
	"github.com/milliyang/zuilow/internal/bars"
)

func init() {
	Register("buy_and_hold", func(params map[string]interface{}) (Strategy, error) {
		return &buyHold{seen: make(map[string]bool)}, nil
	})
	Register("equal_weight", func(params map[string]interface{}) (Strategy, error) {
		return &equalWeight{}, nil
	})
}

// buyHold buys each symbol once and never sells.
type buyHold struct {
	seen map[string]bool
}

func (s *buyHold) Name() string { return "buy_and_hold" }

func (s *buyHold) OnBar(bar bars.Bar, ctx *Context) (*Draft, error) {
	if s.seen[bar.Symbol] {
		return nil, nil
	}
	s.seen[bar.Symbol] = true
	return &Draft{Side: "buy", Reason: "initial entry"}, nil
}

// equalWeight is a portfolio-level strategy: it allocates equal weights
// across the symbols named in its params and emits one allocation draft.
type equalWeight struct{}

func (s *equalWeight) Name() string { return "equal_weight" }

// OnBar never fires; the rebalance output is the whole strategy.
func (s *equalWeight) OnBar(bar bars.Bar, ctx *Context) (*Draft, error) {
	return nil, nil
}

func (s *equalWeight) RebalanceOutput(ctx *Context) (*Draft, error) {
	raw, ok := ctx.Params["symbols"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	weights := make(map[string]float64, len(raw))
	w := 1.0 / float64(len(raw))
	for _, v := range raw {
		sym, ok := v.(string)
		if !ok || sym == "" {
			continue
		}
		weights[sym] = w
	}
	if len(weights) == 0 {
		return nil, nil
	}
	return &Draft{Kind: "allocation", TargetWeights: weights}, nil
}
