// Package broker provides a uniform gateway trait over the paper engine and
// real brokers. The executor routes each account to one gateway by the type
// declared in the accounts config and never guesses.
package broker

import (
	"fmt"
	"time"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/paper"
)

// Quote is a point-in-time price.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// AccountInfo is the broker-side account summary.
type AccountInfo struct {
	Account     string  `json:"account"`
	Cash        float64 `json:"cash"`
	TotalAssets float64 `json:"total_assets"`
	MarketValue float64 `json:"market_value"`
	Power       float64 `json:"power"`
}

// PositionInfo is one broker-side holding.
type PositionInfo struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
	Price    float64 `json:"price"` // current; 0 when the broker has none
}

// OrderInfo is one broker-side order record.
type OrderInfo struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Side   string    `json:"side"`
	Qty    float64   `json:"qty"`
	Price  float64   `json:"price"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// OrderTicket is a request to place one order. SimTime, when set, is
// propagated to HTTP brokers as the X-Simulation-Time header.
type OrderTicket struct {
	Symbol    string
	Side      paper.Side
	Qty       float64
	Price     float64 // ≤ 0 means market
	OrderType string  // market | limit
	Account   string
	SimTime   *time.Time
}

// Gateway is the uniform broker trait. Every operation returns an explicit
// error; a connection-level failure flips the gateway to disconnected until
// Connect succeeds again.
type Gateway interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	GetQuote(symbol string) (*Quote, error)
	GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error)

	GetAccount(account string) (*AccountInfo, error)
	GetPositions(account string) ([]PositionInfo, error)
	GetOrders(account string) ([]OrderInfo, error)

	PlaceOrder(ticket OrderTicket) (string, error)
	CancelOrder(orderID, account string) error
}

// ErrNotConnected is returned by gateways whose transport is down.
var ErrNotConnected = fmt.Errorf("gateway not connected")
