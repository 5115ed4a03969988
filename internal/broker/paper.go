package broker

import (
	"context"
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

// PaperGateway drives the ppt service over its webhook contract. The
// command channel is ppt, the data channel is dms; the gateway is only
// connected while both answer, and a transport failure on either side
// disconnects it until Connect is called again.
type PaperGateway struct {
	ppt *resty.Client
	dms *bars.RestStore
	log zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewPaperGateway builds a gateway for a ppt instance plus its quote source.
func NewPaperGateway(pptURL, dmsURL, token string, timeout time.Duration, log zerolog.Logger) *PaperGateway {
	client := resty.New().
		SetBaseURL(pptURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetHeader(web.HeaderWebhookToken, token)
	}
	return &PaperGateway{
		ppt: client,
		dms: bars.NewRestStore(dmsURL, token, timeout, log),
		log: log.With().Str("component", "paper_gateway").Logger(),
	}
}

// Connect probes both channels.
func (g *PaperGateway) Connect() error {
	resp, err := g.ppt.R().Get("/api/accounts")
	if err != nil || resp.StatusCode() != http.StatusOK {
		g.setConnected(false)
		return fmt.Errorf("paper command channel unreachable: %w", wrapStatus(resp, err))
	}
	if _, err := g.dms.Symbols(context.Background()); err != nil {
		g.setConnected(false)
		return fmt.Errorf("paper data channel unreachable: %w", err)
	}
	g.setConnected(true)
	return nil
}

func (g *PaperGateway) Disconnect() error {
	g.setConnected(false)
	return nil
}

func (g *PaperGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *PaperGateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

// fail marks the gateway disconnected and returns the error unchanged.
func (g *PaperGateway) fail(err error) error {
	g.setConnected(false)
	return err
}

func wrapStatus(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
}

// GetQuote reads the last daily close from the data channel.
func (g *PaperGateway) GetQuote(symbol string) (*Quote, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	end := time.Now().UTC()
	rows, err := g.dms.Read(context.Background(), canon, bars.Interval1d, end.AddDate(0, 0, -7), end)
	if err != nil {
		return nil, g.fail(fmt.Errorf("quote lookup for %s failed: %w", canon, err))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no quote for %s", canon)
	}
	last := rows[len(rows)-1]
	return &Quote{Symbol: canon, Price: last.Close, Time: last.Time}, nil
}

// GetHistory reads bars from the data channel.
func (g *PaperGateway) GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	rows, err := g.dms.Read(context.Background(), symbol, interval, start, end)
	if err != nil {
		return nil, g.fail(err)
	}
	return rows, nil
}

// GetAccount maps the ppt account summary onto AccountInfo.
func (g *PaperGateway) GetAccount(account string) (*AccountInfo, error) {
	var summary struct {
		Name          string  `json:"name"`
		Cash          float64 `json:"cash"`
		PositionValue float64 `json:"position_value"`
		Equity        float64 `json:"equity"`
	}
	resp, err := g.ppt.R().
		SetQueryParam("account", account).
		SetResult(&summary).
		Get("/api/account")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("account query failed: %w", wrapStatus(resp, err)))
	}
	return &AccountInfo{
		Account:     summary.Name,
		Cash:        summary.Cash,
		TotalAssets: summary.Equity,
		MarketValue: summary.PositionValue,
		Power:       summary.Cash,
	}, nil
}

// GetPositions lists ppt positions.
func (g *PaperGateway) GetPositions(account string) ([]PositionInfo, error) {
	var result struct {
		Positions []struct {
			Symbol    string  `json:"symbol"`
			Qty       float64 `json:"qty"`
			AvgPrice  float64 `json:"avg_price"`
			LastPrice float64 `json:"last_price"`
		} `json:"positions"`
	}
	resp, err := g.ppt.R().
		SetQueryParam("account", account).
		SetResult(&result).
		Get("/api/positions")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("positions query failed: %w", wrapStatus(resp, err)))
	}
	out := make([]PositionInfo, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, PositionInfo{Symbol: p.Symbol, Qty: p.Qty, AvgPrice: p.AvgPrice, Price: p.LastPrice})
	}
	return out, nil
}

// GetOrders lists ppt orders.
func (g *PaperGateway) GetOrders(account string) ([]OrderInfo, error) {
	var result struct {
		Orders []struct {
			ID        string  `json:"id"`
			Symbol    string  `json:"symbol"`
			Side      string  `json:"side"`
			FilledQty float64 `json:"filled_qty"`
			ExecPrice float64 `json:"exec_price"`
			Status    string  `json:"status"`
			Time      string  `json:"time"`
		} `json:"orders"`
	}
	resp, err := g.ppt.R().
		SetQueryParam("account", account).
		SetResult(&result).
		Get("/api/orders")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, g.fail(fmt.Errorf("orders query failed: %w", wrapStatus(resp, err)))
	}
	out := make([]OrderInfo, 0, len(result.Orders))
	for _, o := range result.Orders {
		t, _ := time.Parse(time.RFC3339, o.Time)
		out = append(out, OrderInfo{
			ID: o.ID, Symbol: o.Symbol, Side: o.Side,
			Qty: o.FilledQty, Price: o.ExecPrice, Status: o.Status, Time: t,
		})
	}
	return out, nil
}

// PlaceOrder posts to the ppt webhook, propagating sim time when present.
func (g *PaperGateway) PlaceOrder(ticket OrderTicket) (string, error) {
	body := map[string]interface{}{
		"symbol":  ticket.Symbol,
		"side":    string(ticket.Side),
		"qty":     ticket.Qty,
		"price":   ticket.Price,
		"account": ticket.Account,
	}
	var result struct {
		Status string `json:"status"`
		Order  struct {
			ID string `json:"id"`
		} `json:"order"`
		Error string `json:"error"`
	}
	req := g.ppt.R().SetBody(body).SetResult(&result).SetError(&result)
	if ticket.SimTime != nil {
		req.SetHeader(web.HeaderSimulationTime, ticket.SimTime.UTC().Format(clock.ISOFormat))
	}
	resp, err := req.Post("/api/webhook")
	if err != nil {
		return "", g.fail(fmt.Errorf("order submit failed: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		if result.Error != "" {
			return "", fmt.Errorf("order rejected: %s", result.Error)
		}
		return "", fmt.Errorf("order submit failed: status %d", resp.StatusCode())
	}
	return result.Order.ID, nil
}

// CancelOrder is a no-op failure: paper orders execute synchronously and
// there is never an open order to cancel.
func (g *PaperGateway) CancelOrder(orderID, account string) error {
	return fmt.Errorf("paper orders fill synchronously; nothing to cancel")
}
