package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/signals"
)

type fakeProvider struct {
	quotes  map[string]float64
	history map[string][]bars.Bar
}

func (p *fakeProvider) Quote(symbol string) (float64, error) {
	if q, ok := p.quotes[symbol]; ok {
		return q, nil
	}
	return 0, fmt.Errorf("no quote for %s", symbol)
}

func (p *fakeProvider) History(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	return p.history[symbol], nil
}

func dailyBars(symbol string, closes []float64) []bars.Bar {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]bars.Bar, len(closes))
	for i, c := range closes {
		out[i] = bars.Bar{
			Symbol: symbol, Interval: bars.Interval1d,
			Time: base.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, Volume: 1000,
		}
	}
	return out
}

// lastBarSide emits on every bar; the runner must keep only the last draft.
type lastBarSide struct{ calls int }

func (s *lastBarSide) Name() string { return "last_bar_side" }
func (s *lastBarSide) OnBar(bar bars.Bar, ctx *Context) (*Draft, error) {
	s.calls++
	side := "buy"
	if s.calls%2 == 0 {
		side = "sell"
	}
	return &Draft{Side: side}, nil
}

func simClock(t *testing.T) *clock.Clock {
	t.Helper()
	c := clock.NewSim(time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC))
	return c
}

func TestRunner_KeepsLastDraftAndFillsDefaults(t *testing.T) {
	provider := &fakeProvider{
		quotes:  map[string]float64{"US.AAPL": 182.5},
		history: map[string][]bars.Bar{"US.AAPL": dailyBars("US.AAPL", []float64{1, 2, 3})},
	}
	runner := NewRunner(simClock(t), 100, zerolog.Nop())

	drafts, err := runner.Run(RunInput{
		Strategy: &lastBarSide{},
		Symbols:  []string{"AAPL"},
		Account:  "paper1",
		JobName:  "j",
		Market:   "US",
		Provider: provider,
	})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "US.AAPL", drafts[0].Symbol)
	assert.Equal(t, "buy", drafts[0].Side, "three bars, last draft is the odd call")
	assert.InDelta(t, 100, drafts[0].Qty, 1e-9)
	assert.InDelta(t, 182.5, drafts[0].Price, 1e-9)
	assert.Equal(t, "2025-06-02T16:00:00Z", drafts[0].Timestamp)
}

func TestRunner_QuoteFallsBackToLastClose(t *testing.T) {
	provider := &fakeProvider{
		history: map[string][]bars.Bar{"US.MSFT": dailyBars("US.MSFT", []float64{10, 20, 30})},
	}
	runner := NewRunner(simClock(t), 50, zerolog.Nop())

	drafts, err := runner.Run(RunInput{
		Strategy: &lastBarSide{},
		Symbols:  []string{"US.MSFT"},
		Account:  "paper1",
		Provider: provider,
	})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.InDelta(t, 30, drafts[0].Price, 1e-9)
}

func TestRunner_SkipsEmptyHistoryAndBadSymbols(t *testing.T) {
	provider := &fakeProvider{history: map[string][]bars.Bar{}}
	runner := NewRunner(simClock(t), 50, zerolog.Nop())

	drafts, err := runner.Run(RunInput{
		Strategy: &lastBarSide{},
		Symbols:  []string{"", "US.GOOG"},
		Account:  "paper1",
		Provider: provider,
	})
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestRunner_RebalancerShortCircuits(t *testing.T) {
	s, err := New("equal_weight", nil)
	require.NoError(t, err)

	runner := NewRunner(simClock(t), 100, zerolog.Nop())
	drafts, err := runner.Run(RunInput{
		Strategy: s,
		Symbols:  []string{"US.AAPL"},
		Account:  "paper1",
		Params: map[string]interface{}{
			"symbols": []interface{}{"US.AAPL", "US.MSFT"},
		},
		Provider: &fakeProvider{},
	})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "allocation", drafts[0].Kind)
	assert.InDelta(t, 0.5, drafts[0].TargetWeights["US.AAPL"], 1e-9)
	assert.InDelta(t, 0.5, drafts[0].TargetWeights["US.MSFT"], 1e-9)
}

func TestSmaCross_DetectsCrosses(t *testing.T) {
	s, err := New("sma_cross", map[string]interface{}{"fast": 2, "slow": 4})
	require.NoError(t, err)

	// Flat then a sharp rise forces a golden cross
	closes := []float64{10, 10, 10, 10, 10, 14, 18, 22}
	var last *Draft
	for _, bar := range dailyBars("US.AAPL", closes) {
		d, err := s.OnBar(bar, &Context{})
		require.NoError(t, err)
		if d != nil {
			last = d
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "buy", last.Side)

	// New symbol resets the buffer; falling prices produce a sell
	falling := []float64{22, 22, 22, 22, 22, 18, 14, 10}
	last = nil
	for _, bar := range dailyBars("US.MSFT", falling) {
		d, err := s.OnBar(bar, &Context{})
		require.NoError(t, err)
		if d != nil {
			last = d
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "sell", last.Side)
}

func TestMomentum_FlagsExtremeReturn(t *testing.T) {
	s, err := New("momentum", map[string]interface{}{"lookback": 10, "z_entry": 1.5})
	require.NoError(t, err)

	closes := make([]float64, 0, 14)
	px := 100.0
	for i := 0; i < 13; i++ {
		px *= 1.001
		closes = append(closes, px)
	}
	closes = append(closes, px*1.10) // 10% jump against ~0.1% daily drift

	var last *Draft
	for _, bar := range dailyBars("US.TSLA", closes) {
		d, err := s.OnBar(bar, &Context{})
		require.NoError(t, err)
		if d != nil {
			last = d
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "buy", last.Side)
}

func TestBuyAndHold_FiresOnce(t *testing.T) {
	s, err := New("buy_and_hold", nil)
	require.NoError(t, err)

	count := 0
	for _, bar := range dailyBars("US.AAPL", []float64{1, 2, 3}) {
		d, err := s.OnBar(bar, &Context{})
		require.NoError(t, err)
		if d != nil {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestToSignals_KindsAndMarketInference(t *testing.T) {
	now := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	out := ToSignals([]Draft{
		{Symbol: "US.AAPL", Side: "buy", Qty: 100, Price: 180},
		{Symbol: "HK.00700", Side: "sell", Qty: 200, Price: 300},
		{Kind: "allocation", TargetWeights: map[string]float64{"US.AAPL": 0.5}},
		{TargetMV: map[string]float64{"US.AAPL": 50000}},
	}, "job1", "paper1", "", now, nil)

	require.Len(t, out, 4)
	assert.Equal(t, signals.KindOrder, out[0].Kind)
	assert.Equal(t, "US", out[0].Market)
	assert.Equal(t, "HK", out[1].Market)
	assert.Equal(t, signals.KindAllocation, out[2].Kind)
	assert.Empty(t, out[2].Symbol)
	assert.Equal(t, signals.KindRebalance, out[3].Kind)

	for _, s := range out {
		assert.NoError(t, s.Validate())
	}
}

func TestRegistry(t *testing.T) {
	_, err := New("nope", nil)
	assert.Error(t, err)
	assert.Contains(t, Names(), "sma_cross")
	assert.Contains(t, Names(), "momentum")
}
