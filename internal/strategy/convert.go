package strategy

import (
	"time"

	"github.com/milliyang/zuilow/internal/signals"
	"github.com/milliyang/zuilow/internal/symbols"
)

// ToSignals converts drafts into persisted trading signals.
//   - kind "allocation" with target weights → ALLOCATION, no symbol
//   - kind "rebalance", or any draft carrying target weights or market
//     values → REBALANCE
//   - everything else → ORDER, with the market inferred from the symbol
//     prefix when the job declares none
func ToSignals(drafts []Draft, jobName, account, market string, createdAt time.Time, triggerAt *time.Time) []*signals.Signal {
	out := make([]*signals.Signal, 0, len(drafts))
	for _, d := range drafts {
		s := &signals.Signal{
			JobName:   jobName,
			Account:   account,
			Market:    market,
			CreatedAt: createdAt,
			TriggerAt: triggerAt,
		}
		switch {
		case d.Kind == "allocation" && len(d.TargetWeights) > 0:
			s.Kind = signals.KindAllocation
			s.Payload = signals.MustPayload(signals.AllocationPayload{TargetWeights: d.TargetWeights})
		case d.Kind == "rebalance" || len(d.TargetWeights) > 0 || len(d.TargetMV) > 0:
			s.Kind = signals.KindRebalance
			s.Payload = signals.MustPayload(signals.RebalancePayload{
				TargetWeights: d.TargetWeights,
				TargetMV:      d.TargetMV,
			})
		default:
			s.Kind = signals.KindOrder
			s.Symbol = symbols.Canonical(d.Symbol)
			if s.Market == "" {
				s.Market = symbols.MarketOf(s.Symbol)
			}
			s.Payload = signals.MustPayload(signals.OrderPayload{
				Side:   d.Side,
				Qty:    d.Qty,
				Price:  d.Price,
				Reason: d.Reason,
			})
		}
		out = append(out, s)
	}
	return out
}
