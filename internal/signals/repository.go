package signals

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	job_name    TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL,
	market      TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	symbol      TEXT,
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	created_at  INTEGER NOT NULL,
	trigger_at  INTEGER,
	executed_at INTEGER,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_account_market_status ON signals(account, market, status);
CREATE INDEX IF NOT EXISTS idx_signals_trigger_at ON signals(trigger_at);
`

const signalColumns = `id, job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at, error`

// Repository is the durable signal log. All status transitions go through
// UpdateStatus / Cancel, which enforce the PENDING → terminal rule at the
// SQL level so a terminal row can never be reopened or double-finalized.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the signals table when missing.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(signalsSchema); err != nil {
		return nil, fmt.Errorf("failed to create signals schema: %w", err)
	}
	return &Repository{db: db, log: log.With().Str("repo", "signals").Logger()}, nil
}

// Add inserts one signal. A missing ID is generated; a missing status
// defaults to PENDING; a zero CreatedAt is stamped by the caller's clock
// before the call (the repository never reads wall time).
func (r *Repository) Add(s *Signal) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("failed to add signal: %w", err)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("failed to add signal: created_at not set")
	}

	var triggerAt, executedAt interface{}
	if s.TriggerAt != nil {
		triggerAt = s.TriggerAt.UTC().Unix()
	}
	if s.ExecutedAt != nil {
		executedAt = s.ExecutedAt.UTC().Unix()
	}

	_, err := r.db.Exec(`
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.JobName, s.Account, s.Market, string(s.Kind), s.Symbol,
		string(s.Payload), string(s.Status), s.CreatedAt.UTC().Unix(),
		triggerAt, executedAt, s.Error)
	if err != nil {
		return fmt.Errorf("failed to add signal: %w", err)
	}

	r.log.Info().
		Str("id", s.ID).
		Str("job", s.JobName).
		Str("account", s.Account).
		Str("kind", string(s.Kind)).
		Msg("Signal stored")
	return nil
}

// AddMany inserts signals one by one; the first failure aborts.
func (r *Repository) AddMany(ss []*Signal) error {
	for _, s := range ss {
		if err := r.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a signal by id, or nil when absent.
func (r *Repository) Get(id string) (*Signal, error) {
	row := r.db.QueryRow(`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %s: %w", id, err)
	}
	return s, nil
}

// UpdateStatus finalizes a PENDING signal. Returns false when the row is
// missing or already terminal (the update touches zero rows).
func (r *Repository) UpdateStatus(id string, status Status, executedAt *time.Time, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("refusing to update signal %s to non-terminal status %s", id, status)
	}

	var execAt interface{}
	if executedAt != nil {
		execAt = executedAt.UTC().Unix()
	}

	res, err := r.db.Exec(`
		UPDATE signals SET status = ?, executed_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(status), execAt, errMsg, id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to update signal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update signal %s: %w", id, err)
	}
	return n == 1, nil
}

// Cancel moves a PENDING signal to CANCELLED. Idempotent: cancelling an
// unknown or terminal signal returns false with no state change.
func (r *Repository) Cancel(id string) (bool, error) {
	return r.UpdateStatus(id, StatusCancelled, nil, "")
}

// ListPending returns PENDING signals whose trigger_at is null or not
// after the cutoff, in created_at ascending (FIFO) order. Empty account
// or market match everything.
func (r *Repository) ListPending(account, market string, triggerAtBefore time.Time) ([]*Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE status = ? AND (trigger_at IS NULL OR trigger_at <= ?)`
	args := []interface{}{string(StatusPending), triggerAtBefore.UTC().Unix()}

	if account != "" {
		query += ` AND account = ?`
		args = append(args, account)
	}
	if market != "" {
		query += ` AND market = ?`
		args = append(args, market)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// List returns signals matching the filter with offset/limit paging,
// newest first.
func (r *Repository) List(f Filter, offset, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := buildWhere(f)
	query := `SELECT ` + signalColumns + ` FROM signals` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// Count returns the number of signals matching the filter.
func (r *Repository) Count(f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM signals`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return n, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if f.Market != "" {
		conds = append(conds, "market = ?")
		args = append(args, f.Market)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, f.JobName)
	}
	if !f.DateFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.DateFrom.UTC().Unix())
	}
	if !f.DateTo.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.DateTo.UTC().Unix())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*Signal, error) {
	var s Signal
	var kind, status, payload string
	var symbol sql.NullString
	var createdAt int64
	var triggerAt, executedAt sql.NullInt64

	err := row.Scan(&s.ID, &s.JobName, &s.Account, &s.Market, &kind, &symbol,
		&payload, &status, &createdAt, &triggerAt, &executedAt, &s.Error)
	if err != nil {
		return nil, err
	}

	s.Kind = Kind(kind)
	s.Status = Status(status)
	s.Symbol = symbol.String
	s.Payload = []byte(payload)
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	if triggerAt.Valid {
		t := time.Unix(triggerAt.Int64, 0).UTC()
		s.TriggerAt = &t
	}
	if executedAt.Valid {
		t := time.Unix(executedAt.Int64, 0).UTC()
		s.ExecutedAt = &t
	}
	return &s, nil
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
