package broker

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/symbols"
	"github.com/milliyang/zuilow/internal/web"
)

// BridgeGateway talks to a local broker bridge daemon (futu OpenD or an
// ibkr gateway adapter) over a small JSON API. Both brokers expose the same
// shape through their respective bridges, so one client serves both; the
// kind string only distinguishes them in logs and errors.
type BridgeGateway struct {
	kind string
	http *resty.Client
	log  zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewFutuGateway builds a gateway against a futu OpenD bridge.
func NewFutuGateway(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *BridgeGateway {
	return newBridge("futu", baseURL, apiKey, timeout, log)
}

// NewIBKRGateway builds a gateway against an ibkr bridge.
func NewIBKRGateway(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *BridgeGateway {
	return newBridge("ibkr", baseURL, apiKey, timeout, log)
}

func newBridge(kind, baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *BridgeGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader(web.HeaderAPIKey, apiKey)
	}
	return &BridgeGateway{
		kind: kind,
		http: client,
		log:  log.With().Str("component", kind+"_gateway").Logger(),
	}
}

func (g *BridgeGateway) Connect() error {
	resp, err := g.http.R().Get("/health")
	if err != nil || resp.StatusCode() != http.StatusOK {
		g.setConnected(false)
		return fmt.Errorf("%s bridge unreachable: %w", g.kind, wrapStatus(resp, err))
	}
	g.setConnected(true)
	return nil
}

func (g *BridgeGateway) Disconnect() error {
	g.setConnected(false)
	return nil
}

func (g *BridgeGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *BridgeGateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *BridgeGateway) fail(err error) error {
	g.setConnected(false)
	return err
}

func (g *BridgeGateway) GetQuote(symbol string) (*Quote, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	var q struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
		Time   string  `json:"time"`
	}
	resp, err := g.http.R().SetResult(&q).Get("/quote/" + canon)
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("%s quote failed: %w", g.kind, wrapStatus(resp, err)))
	}
	t, _ := clock.ParseISO(q.Time)
	return &Quote{Symbol: canon, Price: q.Price, Time: t}, nil
}

func (g *BridgeGateway) GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	var result struct {
		Bars []struct {
			Time   string  `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume float64 `json:"volume"`
		} `json:"bars"`
	}
	resp, err := g.http.R().
		SetQueryParams(map[string]string{
			"symbol":   canon,
			"start":    start.UTC().Format("2006-01-02"),
			"end":      end.UTC().Format("2006-01-02"),
			"interval": interval,
		}).
		SetResult(&result).
		Get("/history")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("%s history failed: %w", g.kind, wrapStatus(resp, err)))
	}
	out := make([]bars.Bar, 0, len(result.Bars))
	for _, row := range result.Bars {
		t, perr := clock.ParseISO(row.Time)
		if perr != nil {
			continue
		}
		out = append(out, bars.Bar{
			Symbol: canon, Interval: interval, Time: t,
			Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
		})
	}
	return out, nil
}

func (g *BridgeGateway) GetAccount(account string) (*AccountInfo, error) {
	var info AccountInfo
	resp, err := g.http.R().
		SetQueryParam("account", account).
		SetResult(&info).
		Get("/account")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("%s account query failed: %w", g.kind, wrapStatus(resp, err)))
	}
	return &info, nil
}

func (g *BridgeGateway) GetPositions(account string) ([]PositionInfo, error) {
	var result struct {
		Positions []PositionInfo `json:"positions"`
	}
	resp, err := g.http.R().
		SetQueryParam("account", account).
		SetResult(&result).
		Get("/positions")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("%s positions query failed: %w", g.kind, wrapStatus(resp, err)))
	}
	return result.Positions, nil
}

func (g *BridgeGateway) GetOrders(account string) ([]OrderInfo, error) {
	var result struct {
		Orders []OrderInfo `json:"orders"`
	}
	resp, err := g.http.R().
		SetQueryParam("account", account).
		SetResult(&result).
		Get("/orders")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("%s orders query failed: %w", g.kind, wrapStatus(resp, err)))
	}
	return result.Orders, nil
}

func (g *BridgeGateway) PlaceOrder(ticket OrderTicket) (string, error) {
	if !g.IsConnected() {
		return "", ErrNotConnected
	}
	body := map[string]interface{}{
		"symbol":     symbols.Canonical(ticket.Symbol),
		"side":       string(ticket.Side),
		"qty":        ticket.Qty,
		"price":      ticket.Price,
		"order_type": ticket.OrderType,
		"account":    ticket.Account,
	}
	var result struct {
		OrderID string `json:"order_id"`
		Error   string `json:"error"`
	}
	resp, err := g.http.R().SetBody(body).SetResult(&result).SetError(&result).Post("/order")
	if err != nil {
		return "", g.fail(fmt.Errorf("%s order submit failed: %w", g.kind, err))
	}
	if resp.StatusCode() != http.StatusOK {
		if result.Error != "" {
			return "", fmt.Errorf("%s order rejected: %s", g.kind, result.Error)
		}
		return "", fmt.Errorf("%s order submit failed: status %d", g.kind, resp.StatusCode())
	}
	return result.OrderID, nil
}

func (g *BridgeGateway) CancelOrder(orderID, account string) error {
	resp, err := g.http.R().
		SetBody(map[string]string{"order_id": orderID, "account": account}).
		Post("/order/cancel")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return g.fail(fmt.Errorf("%s cancel failed: %w", g.kind, wrapStatus(resp, err)))
	}
	return nil
}
