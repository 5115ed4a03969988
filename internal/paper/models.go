// Package paper implements the paper-trading account engine: simulated
// accounts, positions, cash, orders, trades and equity history, with
// deterministic order execution (slippage, commission, partial fill).
package paper

import "time"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the terminal state of an executed order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partial"
	OrderRejected OrderStatus = "rejected"
)

// Account is a simulated cash account. Equity is derived:
// cash + Σ qty_i × price_i.
type Account struct {
	Name           string    `json:"name"`
	InitialCapital float64   `json:"initial_capital"`
	Cash           float64   `json:"cash"`
	CreatedAt      time.Time `json:"created_at"`
}

// Position is a long holding. Rows with qty 0 are deleted, so qty > 0 and
// avg_price > 0 always hold.
type Position struct {
	Account   string  `json:"account"`
	Symbol    string  `json:"symbol"`
	Qty       float64 `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price,omitempty"`
}

// Order records one execution attempt, including rejections.
type Order struct {
	ID             string      `json:"id"`
	Account        string      `json:"account"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	RequestedQty   float64     `json:"requested_qty"`
	FilledQty      float64     `json:"filled_qty"`
	RequestedPrice float64     `json:"requested_price"`
	ExecPrice      float64     `json:"exec_price"`
	Status         OrderStatus `json:"status"`
	Source         string      `json:"source"` // web | webhook | ...
	Reason         string      `json:"reason,omitempty"`
	Time           time.Time   `json:"time"`
}

// Trade is a fill record; it is only written when cash and positions
// actually moved.
type Trade struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Qty          float64   `json:"qty"`
	Price        float64   `json:"price"`
	Commission   float64   `json:"commission"`
	SlippageCost float64   `json:"slippage_cost"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Time         time.Time `json:"time"`
}

// EquityPoint is one equity snapshot per (account, date); later writes
// for the same date replace the value.
type EquityPoint struct {
	Account string  `json:"account"`
	Date    string  `json:"date"` // YYYY-MM-DD
	Equity  float64 `json:"equity"`
	PnL     float64 `json:"pnl"`
	PnLPct  float64 `json:"pnl_pct"`
}

// SimConfig is the execution model: slippage applied against the trader,
// commission with a floor, and a deterministic fill-rate in (0, 1].
type SimConfig struct {
	Slippage       float64 `json:"slippage"`
	CommissionRate float64 `json:"commission"`
	MinCommission  float64 `json:"min_commission"`
	FillRate       float64 `json:"fill_rate"`
}
