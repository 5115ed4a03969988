package bars

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/symbols"
)

const barsSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT NOT NULL,
	interval  TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	open      REAL NOT NULL,
	high      REAL NOT NULL,
	low       REAL NOT NULL,
	close     REAL NOT NULL,
	volume    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, interval, ts)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_interval ON bars(symbol, interval, ts);
`

// SQLiteStore is the embedded BarStore implementation. Every symbol is
// canonicalized on write and on read; there are no fallback variant
// queries.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore creates the bars table when missing.
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) (*SQLiteStore, error) {
	if _, err := db.Exec(barsSchema); err != nil {
		return nil, fmt.Errorf("failed to create bars schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log.With().Str("component", "bar_store").Logger()}, nil
}

// Write upserts bars in a single transaction.
func (s *SQLiteStore) Write(ctx context.Context, rows []Bar) error {
	if len(rows) == 0 {
		return nil
	}
	for _, b := range rows {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("refusing to write invalid bar: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bars write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, ts) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bars insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range rows {
		canon := symbols.Canonical(b.Symbol)
		if canon == "" {
			return fmt.Errorf("bar with uncanonicalizable symbol %q", b.Symbol)
		}
		if _, err := stmt.ExecContext(ctx, canon, b.Interval, b.Time.UTC().Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("failed to insert bar %s@%s: %w", canon, b.Time, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bars write: %w", err)
	}
	return nil
}

// Read returns bars for [start, end] ordered by time ascending.
func (s *SQLiteStore) Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]Bar, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval, ts, open, high, low, close, volume
		FROM bars WHERE symbol = ? AND interval = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC
	`, canon, interval, start.UTC().Unix(), end.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for %s: %w", canon, err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// ReadBatch reads many symbols with one query.
func (s *SQLiteStore) ReadBatch(ctx context.Context, syms []string, interval string, start, end time.Time) ([]Bar, error) {
	canon := make([]string, 0, len(syms))
	for _, sym := range syms {
		if c := symbols.Canonical(sym); c != "" {
			canon = append(canon, c)
		}
	}
	if len(canon) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(canon)), ",")
	args := make([]interface{}, 0, len(canon)+3)
	for _, c := range canon {
		args = append(args, c)
	}
	args = append(args, interval, start.UTC().Unix(), end.UTC().Unix())

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT symbol, interval, ts, open, high, low, close, volume
		FROM bars WHERE symbol IN (%s) AND interval = ? AND ts BETWEEN ? AND ?
		ORDER BY symbol, ts ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-read bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// Latest returns the most recent timestamp for (symbol, interval).
func (s *SQLiteStore) Latest(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return time.Time{}, false, nil
	}
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND interval = ?`,
		canon, interval).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest bar for %s: %w", canon, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// Symbols lists distinct canonical symbols.
func (s *SQLiteStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Count returns the row count for (symbol, interval).
func (s *SQLiteStore) Count(ctx context.Context, symbol, interval string) (int64, error) {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE symbol = ? AND interval = ?`,
		canon, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bars for %s: %w", canon, err)
	}
	return n, nil
}

// DeleteRange removes rows in [start, end].
func (s *SQLiteStore) DeleteRange(ctx context.Context, symbol, interval string, start, end time.Time) error {
	canon := symbols.Canonical(symbol)
	if canon == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bars WHERE symbol = ? AND interval = ? AND ts BETWEEN ? AND ?`,
		canon, interval, start.UTC().Unix(), end.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to delete bars for %s: %w", canon, err)
	}
	return nil
}

// Clear wipes the store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bars`); err != nil {
		return fmt.Errorf("failed to clear bar store: %w", err)
	}
	s.log.Warn().Msg("Bar store cleared")
	return nil
}

func scanBars(rows *sql.Rows) ([]Bar, error) {
	var out []Bar
	for rows.Next() {
		var b Bar
		var ts int64
		if err := rows.Scan(&b.Symbol, &b.Interval, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Time = time.Unix(ts, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
