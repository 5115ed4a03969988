package paper

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"database/sql"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/database"
	"github.com/milliyang/zuilow/internal/symbols"
)

// Rejection reasons; handlers map these to HTTP 400 with no side effect
// on cash or positions (the rejected order row is still logged).
var (
	ErrInsufficientCash     = errors.New("insufficient_cash")
	ErrInsufficientPosition = errors.New("insufficient_position")
	ErrMarketQuoteMissing   = errors.New("market_quote_missing")
)

// OrderRequest is one execution request. Price must already be resolved;
// the Book rejects price ≤ 0 with ErrMarketQuoteMissing.
type OrderRequest struct {
	Account string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	Source  string
	Time    time.Time // order/trade timestamp; the caller resolves sim time
}

// OrderResult reports a completed execution.
type OrderResult struct {
	Order        Order   `json:"order"`
	Trade        *Trade  `json:"trade,omitempty"`
	Cash         float64 `json:"cash"`
	TotalCost    float64 `json:"total_cost"`
	Commission   float64 `json:"commission"`
	SlippageCost float64 `json:"slippage_cost"`
}

// Book is the deterministic order simulator. Order application is
// serialized per account to preserve the cash/position invariants; after
// every accepted order cash ≥ 0 and all position quantities are > 0.
type Book struct {
	store *Store
	sim   SimConfig
	log   zerolog.Logger

	mu    sync.Mutex // guards locks map
	locks map[string]*sync.Mutex
}

// NewBook wires the engine. A fill rate outside (0, 1] falls back to 1.
func NewBook(store *Store, sim SimConfig, log zerolog.Logger) *Book {
	if sim.FillRate <= 0 || sim.FillRate > 1 {
		sim.FillRate = 1
	}
	return &Book{
		store: store,
		sim:   sim,
		log:   log.With().Str("component", "paper_book").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// Sim returns the execution model in effect.
func (b *Book) Sim() SimConfig { return b.sim }

func (b *Book) accountLock(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

const qtyEpsilon = 1e-9

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// Execute applies one order. Pre-checks run before any mutation; the
// write path is a single transaction, so a failure leaves no trace beyond
// the rejected-order log row.
func (b *Book) Execute(req OrderRequest) (*OrderResult, error) {
	req.Symbol = symbols.Canonical(req.Symbol)
	if req.Symbol == "" {
		return nil, fmt.Errorf("order has no valid symbol")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("order qty must be positive, got %v", req.Qty)
	}
	if req.Time.IsZero() {
		return nil, fmt.Errorf("order has no timestamp")
	}

	lock := b.accountLock(req.Account)
	lock.Lock()
	defer lock.Unlock()

	account, err := b.store.GetAccount(req.Account)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s does not exist", req.Account)
	}

	if req.Price <= 0 {
		// Market order that reached the book without a resolved quote.
		b.logRejected(req, ErrMarketQuoteMissing.Error())
		return nil, ErrMarketQuoteMissing
	}

	// Execution model: slippage against the trader, deterministic fill
	// rate, commission with a floor.
	execPrice := req.Price * (1 + b.sim.Slippage)
	if req.Side == SideSell {
		execPrice = req.Price * (1 - b.sim.Slippage)
	}
	filledQty := round4(req.Qty * b.sim.FillRate)
	commission := math.Max(b.sim.MinCommission, execPrice*filledQty*b.sim.CommissionRate)
	filledValue := filledQty * execPrice
	slippageCost := math.Abs(execPrice-req.Price) * filledQty

	position, err := b.store.GetPosition(req.Account, req.Symbol)
	if err != nil {
		return nil, err
	}

	// Pre-checks: no cash or position mutation happens past this point
	// unless the whole order can apply.
	var totalCost float64
	switch req.Side {
	case SideBuy:
		totalCost = filledValue + commission
		if totalCost > account.Cash {
			b.logRejected(req, ErrInsufficientCash.Error())
			return nil, ErrInsufficientCash
		}
	case SideSell:
		if position == nil || position.Qty+qtyEpsilon < filledQty {
			b.logRejected(req, ErrInsufficientPosition.Error())
			return nil, ErrInsufficientPosition
		}
		totalCost = filledValue - commission
	}

	status := OrderFilled
	if filledQty+qtyEpsilon < req.Qty {
		status = OrderPartial
	}

	order := Order{
		ID:             uuid.New().String(),
		Account:        req.Account,
		Symbol:         req.Symbol,
		Side:           req.Side,
		RequestedQty:   req.Qty,
		FilledQty:      filledQty,
		RequestedPrice: req.Price,
		ExecPrice:      execPrice,
		Status:         status,
		Source:         req.Source,
		Time:           req.Time.UTC(),
	}
	trade := Trade{
		ID:           uuid.New().String(),
		Account:      req.Account,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Qty:          filledQty,
		Price:        execPrice,
		Commission:   commission,
		SlippageCost: slippageCost,
		Time:         req.Time.UTC(),
	}

	err = database.WithTransaction(b.store.DB(), func(tx *sql.Tx) error {
		switch req.Side {
		case SideBuy:
			if _, err := tx.Exec(`UPDATE accounts SET cash = cash - ? WHERE name = ?`, totalCost, req.Account); err != nil {
				return fmt.Errorf("cash debit: %w", err)
			}
			if position == nil {
				if _, err := tx.Exec(`INSERT INTO positions (account, symbol, qty, avg_price) VALUES (?, ?, ?, ?)`,
					req.Account, req.Symbol, filledQty, execPrice); err != nil {
					return fmt.Errorf("open position: %w", err)
				}
			} else {
				// Weighted-average cost on same-side adds.
				newQty := position.Qty + filledQty
				newAvg := (position.Qty*position.AvgPrice + filledQty*execPrice) / newQty
				if _, err := tx.Exec(`UPDATE positions SET qty = ?, avg_price = ? WHERE account = ? AND symbol = ?`,
					newQty, newAvg, req.Account, req.Symbol); err != nil {
					return fmt.Errorf("average up position: %w", err)
				}
			}
		case SideSell:
			trade.RealizedPnL = (execPrice - position.AvgPrice) * filledQty
			if _, err := tx.Exec(`UPDATE accounts SET cash = cash + ? WHERE name = ?`, totalCost, req.Account); err != nil {
				return fmt.Errorf("cash credit: %w", err)
			}
			remaining := position.Qty - filledQty
			if remaining <= qtyEpsilon {
				if _, err := tx.Exec(`DELETE FROM positions WHERE account = ? AND symbol = ?`,
					req.Account, req.Symbol); err != nil {
					return fmt.Errorf("close position: %w", err)
				}
			} else {
				if _, err := tx.Exec(`UPDATE positions SET qty = ? WHERE account = ? AND symbol = ?`,
					remaining, req.Account, req.Symbol); err != nil {
					return fmt.Errorf("reduce position: %w", err)
				}
			}
		}

		if err := insertOrder(tx, order); err != nil {
			return err
		}
		if err := insertTrade(tx, trade); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO watchlist (symbol, last_price, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET last_price = excluded.last_price, updated_at = excluded.updated_at`,
			req.Symbol, execPrice, req.Time.UTC().Unix()); err != nil {
			return fmt.Errorf("watchlist update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("order application failed: %w", err)
	}

	cash := account.Cash - totalCost
	if req.Side == SideSell {
		cash = account.Cash + totalCost
	}

	b.log.Info().
		Str("account", req.Account).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("filled_qty", filledQty).
		Float64("exec_price", execPrice).
		Str("status", string(status)).
		Msg("Order executed")

	return &OrderResult{
		Order:        order,
		Trade:        &trade,
		Cash:         cash,
		TotalCost:    totalCost,
		Commission:   commission,
		SlippageCost: slippageCost,
	}, nil
}

// logRejected records a rejected order without touching account state.
func (b *Book) logRejected(req OrderRequest, reason string) {
	order := Order{
		ID:             uuid.New().String(),
		Account:        req.Account,
		Symbol:         req.Symbol,
		Side:           req.Side,
		RequestedQty:   req.Qty,
		RequestedPrice: req.Price,
		Status:         OrderRejected,
		Source:         req.Source,
		Reason:         reason,
		Time:           req.Time.UTC(),
	}
	err := database.WithTransaction(b.store.DB(), func(tx *sql.Tx) error {
		return insertOrder(tx, order)
	})
	if err != nil {
		b.log.Error().Err(err).Str("account", req.Account).Msg("Failed to log rejected order")
	}
}

func insertOrder(tx *sql.Tx, o Order) error {
	_, err := tx.Exec(`INSERT INTO orders
		(id, account, symbol, side, requested_qty, filled_qty, requested_price, exec_price, status, source, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Account, o.Symbol, string(o.Side), o.RequestedQty, o.FilledQty,
		o.RequestedPrice, o.ExecPrice, string(o.Status), o.Source, o.Reason, o.Time.Unix())
	if err != nil {
		return fmt.Errorf("order insert: %w", err)
	}
	return nil
}

func insertTrade(tx *sql.Tx, t Trade) error {
	_, err := tx.Exec(`INSERT INTO trades
		(id, account, symbol, side, qty, price, commission, slippage_cost, realized_pnl, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Account, t.Symbol, string(t.Side), t.Qty, t.Price,
		t.Commission, t.SlippageCost, t.RealizedPnL, t.Time.Unix())
	if err != nil {
		return fmt.Errorf("trade insert: %w", err)
	}
	return nil
}

// QuoteFunc resolves a current price for a symbol; used by equity
// recomputation with avg_price as the fallback.
type QuoteFunc func(symbol string) (float64, error)

// RecomputeEquity computes equity(date) = cash + Σ qty × quote and writes
// one EquityPoint, replacing any existing row for the same date. The same
// inputs always produce an identical row.
func (b *Book) RecomputeEquity(account, date string, quote QuoteFunc) (*EquityPoint, error) {
	lock := b.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	a, err := b.store.GetAccount(account)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account %s does not exist", account)
	}

	positions, err := b.store.ListPositions(account)
	if err != nil {
		return nil, err
	}

	equity := a.Cash
	for _, pos := range positions {
		px := pos.AvgPrice
		if quote != nil {
			if q, err := quote(pos.Symbol); err == nil && q > 0 {
				px = q
			}
		}
		equity += pos.Qty * px
	}

	pnl := equity - a.InitialCapital
	pnlPct := 0.0
	if a.InitialCapital > 0 {
		pnlPct = pnl / a.InitialCapital * 100
	}

	point := EquityPoint{Account: account, Date: date, Equity: equity, PnL: pnl, PnLPct: pnlPct}
	if err := b.store.UpsertEquity(point); err != nil {
		return nil, err
	}
	return &point, nil
}

// Reset clears positions, orders, trades and equity history and restores
// cash to the initial capital (optionally replaced).
func (b *Book) Reset(account string, newInitialCapital *float64) error {
	lock := b.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	a, err := b.store.GetAccount(account)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("account %s does not exist", account)
	}

	capital := a.InitialCapital
	if newInitialCapital != nil {
		if *newInitialCapital <= 0 {
			return fmt.Errorf("initial capital must be positive, got %v", *newInitialCapital)
		}
		capital = *newInitialCapital
	}

	return database.WithTransaction(b.store.DB(), func(tx *sql.Tx) error {
		for _, table := range []string{"positions", "orders", "trades", "equity_history"} {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE account = ?`, table), account); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(`UPDATE accounts SET cash = ?, initial_capital = ? WHERE name = ?`,
			capital, capital, account); err != nil {
			return fmt.Errorf("reset capital: %w", err)
		}
		return nil
	})
}

// Delete removes an account and its dependents. The last account cannot
// be deleted; deleting the current account switches to the first
// remaining one.
func (b *Book) Delete(account string) error {
	lock := b.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	accounts, err := b.store.ListAccounts()
	if err != nil {
		return err
	}
	if len(accounts) <= 1 {
		return fmt.Errorf("cannot delete the last remaining account")
	}
	found := false
	for _, a := range accounts {
		if a.Name == account {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("account %s does not exist", account)
	}

	current, err := b.store.CurrentAccount()
	if err != nil {
		return err
	}

	err = database.WithTransaction(b.store.DB(), func(tx *sql.Tx) error {
		for _, table := range []string{"positions", "orders", "trades", "equity_history"} {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE account = ?`, table), account); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM accounts WHERE name = ?`, account); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if current == account {
		for _, a := range accounts {
			if a.Name != account {
				return b.store.SwitchCurrent(a.Name)
			}
		}
	}
	return nil
}
