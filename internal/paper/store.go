package paper

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const paperSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	name            TEXT PRIMARY KEY,
	initial_capital REAL NOT NULL,
	cash            REAL NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS current_account (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account   TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	qty       REAL NOT NULL CHECK (qty > 0),
	avg_price REAL NOT NULL CHECK (avg_price > 0),
	PRIMARY KEY (account, symbol)
);
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	requested_qty   REAL NOT NULL,
	filled_qty      REAL NOT NULL,
	requested_price REAL NOT NULL,
	exec_price      REAL NOT NULL,
	status          TEXT NOT NULL,
	source          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_ts ON orders(account, ts);
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	account       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	qty           REAL NOT NULL,
	price         REAL NOT NULL,
	commission    REAL NOT NULL,
	slippage_cost REAL NOT NULL,
	realized_pnl  REAL NOT NULL,
	ts            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account_ts ON trades(account, ts);
CREATE TABLE IF NOT EXISTS equity_history (
	account TEXT NOT NULL,
	date    TEXT NOT NULL,
	equity  REAL NOT NULL,
	pnl     REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	PRIMARY KEY (account, date)
);
CREATE TABLE IF NOT EXISTS watchlist (
	symbol     TEXT PRIMARY KEY,
	last_price REAL NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store wraps the ppt database. The Book serializes order application per
// account on top of it; the store itself only guarantees that each call is
// a consistent read or a transactional write.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates the schema when missing.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(paperSchema); err != nil {
		return nil, fmt.Errorf("failed to create paper schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "paper_store").Logger()}, nil
}

// DB exposes the connection for the Book's transactional write path.
func (s *Store) DB() *sql.DB { return s.db }

// --- accounts ---

// CreateAccount inserts a new account with cash = initial capital. The
// first account ever created becomes current.
func (s *Store) CreateAccount(name string, initialCapital float64, now time.Time) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("account name must not be empty")
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", initialCapital)
	}

	_, err := s.db.Exec(`INSERT INTO accounts (name, initial_capital, cash, created_at) VALUES (?, ?, ?, ?)`,
		name, initialCapital, initialCapital, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", name, err)
	}
	_, err = s.db.Exec(`INSERT INTO current_account (id, name) VALUES (1, ?) ON CONFLICT(id) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize current account: %w", err)
	}

	s.log.Info().Str("account", name).Float64("initial_capital", initialCapital).Msg("Account created")
	return &Account{Name: name, InitialCapital: initialCapital, Cash: initialCapital, CreatedAt: now.UTC()}, nil
}

// GetAccount returns an account by name, or nil when absent.
func (s *Store) GetAccount(name string) (*Account, error) {
	var a Account
	var createdAt int64
	err := s.db.QueryRow(`SELECT name, initial_capital, cash, created_at FROM accounts WHERE name = ?`, name).
		Scan(&a.Name, &a.InitialCapital, &a.Cash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", name, err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(`SELECT name, initial_capital, cash, created_at FROM accounts ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var createdAt int64
		if err := rows.Scan(&a.Name, &a.InitialCapital, &a.Cash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// CurrentAccount returns the name of the session's current account.
func (s *Store) CurrentAccount() (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM current_account WHERE id = 1`).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get current account: %w", err)
	}
	return name, nil
}

// SwitchCurrent makes an existing account current.
func (s *Store) SwitchCurrent(name string) error {
	a, err := s.GetAccount(name)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("account %s does not exist", name)
	}
	_, err = s.db.Exec(`INSERT INTO current_account (id, name) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, name)
	if err != nil {
		return fmt.Errorf("failed to switch current account: %w", err)
	}
	return nil
}

// AdjustCash applies a signed delta to an account's cash. A withdrawal
// below zero is rejected.
func (s *Store) AdjustCash(name string, delta float64) error {
	a, err := s.GetAccount(name)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("account %s does not exist", name)
	}
	if a.Cash+delta < 0 {
		return fmt.Errorf("insufficient cash: have %.2f, requested %.2f", a.Cash, -delta)
	}
	_, err = s.db.Exec(`UPDATE accounts SET cash = cash + ? WHERE name = ?`, delta, name)
	if err != nil {
		return fmt.Errorf("failed to adjust cash for %s: %w", name, err)
	}
	return nil
}

// --- positions ---

// GetPosition returns the position for (account, symbol), or nil.
func (s *Store) GetPosition(account, symbol string) (*Position, error) {
	var p Position
	err := s.db.QueryRow(`SELECT account, symbol, qty, avg_price FROM positions WHERE account = ? AND symbol = ?`,
		account, symbol).Scan(&p.Account, &p.Symbol, &p.Qty, &p.AvgPrice)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s/%s: %w", account, symbol, err)
	}
	return &p, nil
}

// ListPositions returns all positions for an account.
func (s *Store) ListPositions(account string) ([]Position, error) {
	rows, err := s.db.Query(`SELECT account, symbol, qty, avg_price FROM positions WHERE account = ? ORDER BY symbol`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for %s: %w", account, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Account, &p.Symbol, &p.Qty, &p.AvgPrice); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- orders and trades ---

// ListOrders returns the newest orders for an account.
func (s *Store) ListOrders(account string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, account, symbol, side, requested_qty, filled_qty,
		requested_price, exec_price, status, source, reason, ts
		FROM orders WHERE account = ? ORDER BY ts DESC, id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", account, err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var side, status string
		var ts int64
		if err := rows.Scan(&o.ID, &o.Account, &o.Symbol, &side, &o.RequestedQty, &o.FilledQty,
			&o.RequestedPrice, &o.ExecPrice, &status, &o.Source, &o.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side, o.Status, o.Time = Side(side), OrderStatus(status), time.Unix(ts, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListTrades returns the newest trades for an account.
func (s *Store) ListTrades(account string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, account, symbol, side, qty, price, commission,
		slippage_cost, realized_pnl, ts
		FROM trades WHERE account = ? ORDER BY ts DESC, id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", account, err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var side string
		var ts int64
		if err := rows.Scan(&t.ID, &t.Account, &t.Symbol, &side, &t.Qty, &t.Price,
			&t.Commission, &t.SlippageCost, &t.RealizedPnL, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side, t.Time = Side(side), time.Unix(ts, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- equity ---

// UpsertEquity writes one EquityPoint; an existing row for the same
// (account, date) is replaced.
func (s *Store) UpsertEquity(p EquityPoint) error {
	_, err := s.db.Exec(`INSERT INTO equity_history (account, date, equity, pnl, pnl_pct)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, date) DO UPDATE SET
			equity = excluded.equity, pnl = excluded.pnl, pnl_pct = excluded.pnl_pct`,
		p.Account, p.Date, p.Equity, p.PnL, p.PnLPct)
	if err != nil {
		return fmt.Errorf("failed to upsert equity for %s@%s: %w", p.Account, p.Date, err)
	}
	return nil
}

// ListEquity returns the equity series for an account, oldest first.
func (s *Store) ListEquity(account string) ([]EquityPoint, error) {
	rows, err := s.db.Query(`SELECT account, date, equity, pnl, pnl_pct
		FROM equity_history WHERE account = ? ORDER BY date ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list equity for %s: %w", account, err)
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.Account, &p.Date, &p.Equity, &p.PnL, &p.PnLPct); err != nil {
			return nil, fmt.Errorf("failed to scan equity point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- watchlist ---

// WatchlistPrice returns the last seen price for a symbol, ok=false when
// the symbol has never traded.
func (s *Store) WatchlistPrice(symbol string) (float64, bool, error) {
	var px float64
	err := s.db.QueryRow(`SELECT last_price FROM watchlist WHERE symbol = ?`, symbol).Scan(&px)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get watchlist price for %s: %w", symbol, err)
	}
	return px, true, nil
}
