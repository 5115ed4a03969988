package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/paper"
	"github.com/milliyang/zuilow/internal/symbols"
)

// AlpacaGateway adapts the alpaca trading API. Alpaca only serves US
// equities, so symbols are converted to and from bare tickers at the edge.
type AlpacaGateway struct {
	trading *alpaca.Client
	data    *marketdata.Client
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewAlpacaGateway builds a gateway. baseURL selects paper vs live alpaca.
func NewAlpacaGateway(baseURL, apiKey, apiSecret string, log zerolog.Logger) *AlpacaGateway {
	return &AlpacaGateway{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		log: log.With().Str("component", "alpaca_gateway").Logger(),
	}
}

// alpacaSymbol strips the US. prefix for the alpaca wire format.
func alpacaSymbol(symbol string) (string, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	if !strings.HasPrefix(canon, "US.") {
		return "", fmt.Errorf("alpaca only trades US symbols, got %s", canon)
	}
	return strings.TrimPrefix(canon, "US."), nil
}

func (g *AlpacaGateway) Connect() error {
	if _, err := g.trading.GetAccount(); err != nil {
		g.setConnected(false)
		return fmt.Errorf("alpaca unreachable: %w", err)
	}
	g.setConnected(true)
	return nil
}

func (g *AlpacaGateway) Disconnect() error {
	g.setConnected(false)
	return nil
}

func (g *AlpacaGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *AlpacaGateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *AlpacaGateway) GetQuote(symbol string) (*Quote, error) {
	ticker, err := alpacaSymbol(symbol)
	if err != nil {
		return nil, err
	}
	trade, err := g.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		g.setConnected(false)
		return nil, fmt.Errorf("alpaca quote for %s failed: %w", ticker, err)
	}
	return &Quote{Symbol: "US." + ticker, Price: trade.Price, Time: trade.Timestamp}, nil
}

func (g *AlpacaGateway) GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	ticker, err := alpacaSymbol(symbol)
	if err != nil {
		return nil, err
	}

	tf := marketdata.OneDay
	switch interval {
	case bars.Interval1h:
		tf = marketdata.NewTimeFrame(1, marketdata.Hour)
	case bars.Interval30m:
		tf = marketdata.NewTimeFrame(30, marketdata.Min)
	case bars.Interval15m:
		tf = marketdata.NewTimeFrame(15, marketdata.Min)
	case bars.Interval5m:
		tf = marketdata.NewTimeFrame(5, marketdata.Min)
	}

	rows, err := g.data.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
	})
	if err != nil {
		g.setConnected(false)
		return nil, fmt.Errorf("alpaca history for %s failed: %w", ticker, err)
	}

	out := make([]bars.Bar, 0, len(rows))
	for _, row := range rows {
		out = append(out, bars.Bar{
			Symbol:   "US." + ticker,
			Interval: interval,
			Time:     row.Timestamp.UTC(),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   float64(row.Volume),
		})
	}
	return out, nil
}

func (g *AlpacaGateway) GetAccount(account string) (*AccountInfo, error) {
	a, err := g.trading.GetAccount()
	if err != nil {
		g.setConnected(false)
		return nil, fmt.Errorf("alpaca account query failed: %w", err)
	}
	return &AccountInfo{
		Account:     a.AccountNumber,
		Cash:        a.Cash.InexactFloat64(),
		TotalAssets: a.Equity.InexactFloat64(),
		MarketValue: a.LongMarketValue.InexactFloat64(),
		Power:       a.BuyingPower.InexactFloat64(),
	}, nil
}

func (g *AlpacaGateway) GetPositions(account string) ([]PositionInfo, error) {
	positions, err := g.trading.GetPositions()
	if err != nil {
		g.setConnected(false)
		return nil, fmt.Errorf("alpaca positions query failed: %w", err)
	}
	out := make([]PositionInfo, 0, len(positions))
	for _, p := range positions {
		info := PositionInfo{
			Symbol:   "US." + p.Symbol,
			Qty:      p.Qty.InexactFloat64(),
			AvgPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			info.Price = p.CurrentPrice.InexactFloat64()
		}
		out = append(out, info)
	}
	return out, nil
}

func (g *AlpacaGateway) GetOrders(account string) ([]OrderInfo, error) {
	orders, err := g.trading.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 100})
	if err != nil {
		g.setConnected(false)
		return nil, fmt.Errorf("alpaca orders query failed: %w", err)
	}
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		info := OrderInfo{
			ID:     o.ID,
			Symbol: "US." + o.Symbol,
			Side:   string(o.Side),
			Status: string(o.Status),
			Time:   o.CreatedAt,
		}
		if o.Qty != nil {
			info.Qty = o.Qty.InexactFloat64()
		}
		if o.FilledAvgPrice != nil {
			info.Price = o.FilledAvgPrice.InexactFloat64()
		}
		out = append(out, info)
	}
	return out, nil
}

func (g *AlpacaGateway) PlaceOrder(ticket OrderTicket) (string, error) {
	if !g.IsConnected() {
		return "", ErrNotConnected
	}
	ticker, err := alpacaSymbol(ticket.Symbol)
	if err != nil {
		return "", err
	}

	side := alpaca.Buy
	if ticket.Side == paper.SideSell {
		side = alpaca.Sell
	}
	qty := decimal.NewFromFloat(ticket.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:      ticker,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}
	if ticket.Price > 0 {
		limit := decimal.NewFromFloat(ticket.Price)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	order, err := g.trading.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("alpaca order submit failed: %w", err)
	}
	return order.ID, nil
}

func (g *AlpacaGateway) CancelOrder(orderID, account string) error {
	if err := g.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpaca cancel failed: %w", err)
	}
	return nil
}
