// Package executor drains due pending signals against broker gateways.
package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/paper"
	"github.com/milliyang/zuilow/internal/signals"
)

// diffEpsilon is the quantity below which a rebalance diff is noise.
const diffEpsilon = 1e-6

// Result summarizes one executor pass.
type Result struct {
	Pending  int      `json:"pending"`
	Executed int      `json:"executed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// GatewayResolver maps an account to its broker gateway. Satisfied by
// broker.Router.
type GatewayResolver interface {
	Gateway(account string) (broker.Gateway, error)
}

// Executor walks pending signals in FIFO order and routes each to the
// broker its account is bound to. Failures mark the signal FAILED and the
// pass continues; one bad signal never blocks the queue.
type Executor struct {
	repo   *signals.Repository
	router GatewayResolver
	clock  *clock.Clock
	log    zerolog.Logger
}

// New wires an executor.
func New(repo *signals.Repository, router GatewayResolver, clk *clock.Clock, log zerolog.Logger) *Executor {
	return &Executor{
		repo:   repo,
		router: router,
		clock:  clk,
		log:    log.With().Str("component", "signal_executor").Logger(),
	}
}

// RunOnce executes every pending signal due at or before now. A nil
// triggerAt means the clock's current time. Empty account or market match
// everything.
func (e *Executor) RunOnce(account, market string, triggerAt *time.Time) (*Result, error) {
	now := e.clock.Now()
	if triggerAt != nil {
		now = *triggerAt
	}

	pending, err := e.repo.ListPending(account, market, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending signals: %w", err)
	}

	result := &Result{Pending: len(pending)}
	for _, s := range pending {
		if err := e.executeOne(s, now); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", s.ID, err))
			if _, uerr := e.repo.UpdateStatus(s.ID, signals.StatusFailed, nil, err.Error()); uerr != nil {
				e.log.Error().Err(uerr).Str("signal", s.ID).Msg("Failed to mark signal FAILED")
			}
			continue
		}
		result.Executed++
		if _, uerr := e.repo.UpdateStatus(s.ID, signals.StatusExecuted, &now, ""); uerr != nil {
			e.log.Error().Err(uerr).Str("signal", s.ID).Msg("Failed to mark signal EXECUTED")
		}
	}

	e.log.Info().
		Int("pending", result.Pending).
		Int("executed", result.Executed).
		Int("failed", result.Failed).
		Msg("Executor pass complete")
	return result, nil
}

func (e *Executor) executeOne(s *signals.Signal, now time.Time) error {
	gw, err := e.router.Gateway(s.Account)
	if err != nil {
		return err
	}

	var simTime *time.Time
	if e.clock.IsSimMode() {
		simTime = &now
	}

	switch s.Kind {
	case signals.KindOrder:
		return e.executeOrder(gw, s, simTime)
	case signals.KindRebalance, signals.KindAllocation:
		return e.executeAllocation(gw, s, simTime)
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
}

func (e *Executor) executeOrder(gw broker.Gateway, s *signals.Signal, simTime *time.Time) error {
	var p signals.OrderPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return fmt.Errorf("bad ORDER payload: %w", err)
	}
	if s.Symbol == "" || p.Qty <= 0 {
		return fmt.Errorf("ORDER signal needs symbol and positive qty")
	}

	orderID, err := gw.PlaceOrder(broker.OrderTicket{
		Symbol:    s.Symbol,
		Side:      paper.Side(p.Side),
		Qty:       p.Qty,
		Price:     p.Price,
		OrderType: "market",
		Account:   s.Account,
		SimTime:   simTime,
	})
	if err != nil {
		return fmt.Errorf("order submit failed: %w", err)
	}
	e.log.Info().Str("signal", s.ID).Str("order_id", orderID).Msg("Order signal executed")
	return nil
}

// targetWeights normalizes both payload variants onto (weights, mv).
func targetWeights(s *signals.Signal) (map[string]float64, map[string]float64, error) {
	if s.Kind == signals.KindAllocation {
		var p signals.AllocationPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad ALLOCATION payload: %w", err)
		}
		return p.TargetWeights, nil, nil
	}
	var p signals.RebalancePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("bad REBALANCE payload: %w", err)
	}
	return p.TargetWeights, p.TargetMV, nil
}

func (e *Executor) executeAllocation(gw broker.Gateway, s *signals.Signal, simTime *time.Time) error {
	weights, targetMV, err := targetWeights(s)
	if err != nil {
		return err
	}

	info, err := gw.GetAccount(s.Account)
	if err != nil {
		return fmt.Errorf("account query failed: %w", err)
	}
	equity := info.TotalAssets
	if equity <= 0 {
		return fmt.Errorf("account %s equity is %v; refusing to allocate", s.Account, equity)
	}

	positions, err := gw.GetPositions(s.Account)
	if err != nil {
		return fmt.Errorf("positions query failed: %w", err)
	}
	current := make(map[string]struct{ qty, price float64 }, len(positions))
	for _, p := range positions {
		current[p.Symbol] = struct{ qty, price float64 }{p.Qty, p.Price}
	}

	// Per-symbol target quantity; every price resolves through the same
	// gateway that will execute the orders.
	type diffOrder struct {
		symbol string
		side   paper.Side
		qty    float64
	}
	var orders []diffOrder

	resolvePrice := func(symbol string) (float64, error) {
		if c, ok := current[symbol]; ok && c.price > 0 {
			return c.price, nil
		}
		q, err := gw.GetQuote(symbol)
		if err != nil {
			return 0, fmt.Errorf("no price for %s: %w", symbol, err)
		}
		return q.Price, nil
	}

	targets := make(map[string]float64)
	for symbol, w := range weights {
		price, err := resolvePrice(symbol)
		if err != nil {
			return err
		}
		targets[symbol] = equity * w / price
	}
	for symbol, mv := range targetMV {
		price, err := resolvePrice(symbol)
		if err != nil {
			return err
		}
		targets[symbol] = mv / price
	}

	// Union of current and target; symbols absent from the target are
	// closed out.
	seen := make(map[string]bool)
	for symbol, targetQty := range targets {
		seen[symbol] = true
		diff := targetQty - current[symbol].qty
		if math.Abs(diff) < diffEpsilon {
			continue
		}
		side := paper.SideBuy
		if diff < 0 {
			side = paper.SideSell
		}
		orders = append(orders, diffOrder{symbol, side, round4(math.Abs(diff))})
	}
	for symbol, c := range current {
		if seen[symbol] || c.qty < diffEpsilon {
			continue
		}
		orders = append(orders, diffOrder{symbol, paper.SideSell, round4(c.qty)})
	}

	// All-or-nothing: one failed leg fails the whole signal.
	for _, o := range orders {
		if o.qty < diffEpsilon {
			continue
		}
		_, err := gw.PlaceOrder(broker.OrderTicket{
			Symbol:    o.symbol,
			Side:      o.side,
			Qty:       o.qty,
			OrderType: "market",
			Account:   s.Account,
			SimTime:   simTime,
		})
		if err != nil {
			return fmt.Errorf("diff order %s %s %v failed: %w", o.side, o.symbol, o.qty, err)
		}
	}
	e.log.Info().Str("signal", s.ID).Int("orders", len(orders)).Msg("Allocation signal executed")
	return nil
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
