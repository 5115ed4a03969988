package executor

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/signals"
)

type placedOrder struct {
	Symbol  string
	Side    string
	Qty     float64
	SimTime *time.Time
}

// fakeGateway records placed orders and serves canned account state.
type fakeGateway struct {
	equity    float64
	cash      float64
	positions []broker.PositionInfo
	quotes    map[string]float64

	placed    []placedOrder
	failAfter int // fail the Nth (1-based) PlaceOrder; 0 never fails
}

func (g *fakeGateway) Connect() error    { return nil }
func (g *fakeGateway) Disconnect() error { return nil }
func (g *fakeGateway) IsConnected() bool { return true }

func (g *fakeGateway) GetQuote(symbol string) (*broker.Quote, error) {
	if q, ok := g.quotes[symbol]; ok {
		return &broker.Quote{Symbol: symbol, Price: q}, nil
	}
	return nil, fmt.Errorf("no quote for %s", symbol)
}

func (g *fakeGateway) GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	return nil, nil
}

func (g *fakeGateway) GetAccount(account string) (*broker.AccountInfo, error) {
	return &broker.AccountInfo{Account: account, Cash: g.cash, TotalAssets: g.equity}, nil
}

func (g *fakeGateway) GetPositions(account string) ([]broker.PositionInfo, error) {
	return g.positions, nil
}

func (g *fakeGateway) GetOrders(account string) ([]broker.OrderInfo, error) { return nil, nil }

func (g *fakeGateway) PlaceOrder(t broker.OrderTicket) (string, error) {
	if g.failAfter > 0 && len(g.placed)+1 >= g.failAfter {
		return "", fmt.Errorf("broker down")
	}
	g.placed = append(g.placed, placedOrder{
		Symbol: t.Symbol, Side: string(t.Side), Qty: t.Qty, SimTime: t.SimTime,
	})
	return fmt.Sprintf("order-%d", len(g.placed)), nil
}

func (g *fakeGateway) CancelOrder(orderID, account string) error { return nil }

type fakeResolver struct {
	gateways map[string]broker.Gateway
}

func (r *fakeResolver) Gateway(account string) (broker.Gateway, error) {
	g, ok := r.gateways[account]
	if !ok {
		return nil, fmt.Errorf("no broker configured for account %q", account)
	}
	return g, nil
}

func newTestExecutor(t *testing.T, gw broker.Gateway) (*Executor, *signals.Repository, *clock.Clock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := signals.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)

	clk := clock.NewSim(time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC))
	resolver := &fakeResolver{gateways: map[string]broker.Gateway{"paper1": gw}}
	return New(repo, resolver, clk, zerolog.Nop()), repo, clk
}

func addSignal(t *testing.T, repo *signals.Repository, s *signals.Signal) *signals.Signal {
	t.Helper()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	}
	require.NoError(t, repo.Add(s))
	return s
}

func TestRunOnce_OrderSignal(t *testing.T) {
	gw := &fakeGateway{equity: 100000}
	exec, repo, clk := newTestExecutor(t, gw)

	s := addSignal(t, repo, &signals.Signal{
		JobName: "j", Account: "paper1", Market: "US", Kind: signals.KindOrder,
		Symbol:  "US.AAPL",
		Payload: signals.MustPayload(signals.OrderPayload{Side: "buy", Qty: 100, Price: 180}),
	})

	res, err := exec.RunOnce("paper1", "US", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 0, res.Failed)

	require.Len(t, gw.placed, 1)
	assert.Equal(t, "US.AAPL", gw.placed[0].Symbol)
	require.NotNil(t, gw.placed[0].SimTime, "sim clock propagates sim time")
	assert.Equal(t, clk.Now(), *gw.placed[0].SimTime)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
}

func TestRunOnce_AllocationThreeWay(t *testing.T) {
	// Equity 100000, no positions; weights 0.5/0.3/0.2 over prices
	// 100/200/1000 must yield buys of 500/150/20
	gw := &fakeGateway{
		equity: 100000,
		quotes: map[string]float64{"US.AAPL": 100, "US.MSFT": 200, "US.GOOG": 1000},
	}
	exec, repo, _ := newTestExecutor(t, gw)

	s := addSignal(t, repo, &signals.Signal{
		JobName: "alloc", Account: "paper1", Market: "US", Kind: signals.KindAllocation,
		Payload: signals.MustPayload(signals.AllocationPayload{TargetWeights: map[string]float64{
			"US.AAPL": 0.5, "US.MSFT": 0.3, "US.GOOG": 0.2,
		}}),
	})

	res, err := exec.RunOnce("paper1", "US", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	require.Len(t, gw.placed, 3)
	bySymbol := map[string]placedOrder{}
	for _, o := range gw.placed {
		bySymbolAssertBuy(t, o)
		bySymbol[o.Symbol] = o
	}
	assert.InDelta(t, 500, bySymbol["US.AAPL"].Qty, 1e-9)
	assert.InDelta(t, 150, bySymbol["US.MSFT"].Qty, 1e-9)
	assert.InDelta(t, 20, bySymbol["US.GOOG"].Qty, 1e-9)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusExecuted, got.Status)
}

func bySymbolAssertBuy(t *testing.T, o placedOrder) {
	t.Helper()
	assert.Equal(t, "buy", o.Side)
}

func TestRunOnce_RebalanceWithExistingPosition(t *testing.T) {
	// AAPL 500@100 + cash 50000 = equity 100000. Targets 0.6 AAPL / 0.4
	// MSFT at 200 → AAPL 600, MSFT 200 → buy 100 AAPL, buy 200 MSFT.
	gw := &fakeGateway{
		equity: 100000,
		cash:   50000,
		positions: []broker.PositionInfo{
			{Symbol: "US.AAPL", Qty: 500, AvgPrice: 100, Price: 100},
		},
		quotes: map[string]float64{"US.MSFT": 200},
	}
	exec, repo, _ := newTestExecutor(t, gw)

	s := addSignal(t, repo, &signals.Signal{
		JobName: "reb", Account: "paper1", Market: "US", Kind: signals.KindRebalance,
		Payload: signals.MustPayload(signals.RebalancePayload{TargetWeights: map[string]float64{
			"US.AAPL": 0.6, "US.MSFT": 0.4,
		}}),
	})

	res, err := exec.RunOnce("paper1", "US", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	require.Len(t, gw.placed, 2)
	bySymbol := map[string]placedOrder{}
	for _, o := range gw.placed {
		bySymbol[o.Symbol] = o
	}
	assert.Equal(t, "buy", bySymbol["US.AAPL"].Side)
	assert.InDelta(t, 100, bySymbol["US.AAPL"].Qty, 1e-9)
	assert.Equal(t, "buy", bySymbol["US.MSFT"].Side)
	assert.InDelta(t, 200, bySymbol["US.MSFT"].Qty, 1e-9)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusExecuted, got.Status)
}

func TestRunOnce_RebalancePartialFailureFailsSignal(t *testing.T) {
	gw := &fakeGateway{
		equity:    100000,
		quotes:    map[string]float64{"US.AAPL": 100, "US.MSFT": 200},
		failAfter: 2,
	}
	exec, repo, _ := newTestExecutor(t, gw)

	s := addSignal(t, repo, &signals.Signal{
		JobName: "reb", Account: "paper1", Market: "US", Kind: signals.KindRebalance,
		Payload: signals.MustPayload(signals.RebalancePayload{TargetWeights: map[string]float64{
			"US.AAPL": 0.5, "US.MSFT": 0.5,
		}}),
	})

	res, err := exec.RunOnce("paper1", "US", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], s.ID)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusFailed, got.Status)
}

func TestRunOnce_UnknownAccountFails(t *testing.T) {
	exec, repo, _ := newTestExecutor(t, &fakeGateway{equity: 1})

	s := addSignal(t, repo, &signals.Signal{
		JobName: "j", Account: "ghost", Market: "US", Kind: signals.KindOrder,
		Symbol:  "US.AAPL",
		Payload: signals.MustPayload(signals.OrderPayload{Side: "buy", Qty: 1, Price: 1}),
	})

	res, err := exec.RunOnce("", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no broker configured")
}

func TestRunOnce_ZeroEquityRefused(t *testing.T) {
	exec, repo, _ := newTestExecutor(t, &fakeGateway{equity: 0})

	addSignal(t, repo, &signals.Signal{
		JobName: "alloc", Account: "paper1", Kind: signals.KindAllocation,
		Payload: signals.MustPayload(signals.AllocationPayload{TargetWeights: map[string]float64{
			"US.AAPL": 0.5,
		}}),
	})

	res, err := exec.RunOnce("paper1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestRunOnce_AllocationValueMatchesWeights(t *testing.T) {
	gw := &fakeGateway{
		equity: 100000,
		quotes: map[string]float64{"US.AAPL": 137, "US.MSFT": 411},
	}
	exec, repo, _ := newTestExecutor(t, gw)

	weights := map[string]float64{"US.AAPL": 0.55, "US.MSFT": 0.45}
	addSignal(t, repo, &signals.Signal{
		JobName: "alloc", Account: "paper1", Kind: signals.KindAllocation,
		Payload: signals.MustPayload(signals.AllocationPayload{TargetWeights: weights}),
	})

	_, err := exec.RunOnce("paper1", "", nil)
	require.NoError(t, err)

	// Σ target_qty × price stays within rounding of Σ w × equity
	total := 0.0
	for _, o := range gw.placed {
		total += o.Qty * gw.quotes[o.Symbol]
	}
	assert.InDelta(t, 100000, total, 100000*1e-4)
}
