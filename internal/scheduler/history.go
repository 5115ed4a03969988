package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS job_history (
	id            TEXT PRIMARY KEY,
	job_name      TEXT NOT NULL,
	trigger_time  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	signals_count INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	completed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_job_history_name_time ON job_history(job_name, trigger_time);
`

// HistoryRow is one job run record.
type HistoryRow struct {
	ID           string     `json:"id"`
	JobName      string     `json:"job_name"`
	TriggerTime  time.Time  `json:"trigger_time"`
	Status       string     `json:"status"` // running | success | failed
	SignalsCount int        `json:"signals_count"`
	Error        string     `json:"error,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// HistoryRepo is the durable job-run log.
type HistoryRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepo creates the job_history table when missing.
func NewHistoryRepo(db *sql.DB, log zerolog.Logger) (*HistoryRepo, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("failed to create job_history schema: %w", err)
	}
	return &HistoryRepo{db: db, log: log.With().Str("repo", "job_history").Logger()}, nil
}

// Begin records a run in status=running and returns its id.
func (r *HistoryRepo) Begin(jobName string, triggerTime time.Time) (string, error) {
	id := uuid.New().String()
	_, err := r.db.Exec(`INSERT INTO job_history (id, job_name, trigger_time, status) VALUES (?, ?, ?, 'running')`,
		id, jobName, triggerTime.UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to record job start: %w", err)
	}
	return id, nil
}

// Finish closes a run as success or failed.
func (r *HistoryRepo) Finish(id, status string, signalsCount int, errMsg string, completedAt time.Time) error {
	_, err := r.db.Exec(`UPDATE job_history SET status = ?, signals_count = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, signalsCount, errMsg, completedAt.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record job finish: %w", err)
	}
	return nil
}

// List returns the newest runs, optionally scoped to one job.
func (r *HistoryRepo) List(jobName string, limit, offset int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job_name, trigger_time, status, signals_count, error, completed_at FROM job_history`
	args := []interface{}{}
	if jobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	query += ` ORDER BY trigger_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		var trigger int64
		var completed sql.NullInt64
		if err := rows.Scan(&h.ID, &h.JobName, &trigger, &h.Status, &h.SignalsCount, &h.Error, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan job history row: %w", err)
		}
		h.TriggerTime = time.Unix(trigger, 0).UTC()
		if completed.Valid {
			t := time.Unix(completed.Int64, 0).UTC()
			h.CompletedAt = &t
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Statistics aggregates run counts per job.
func (r *HistoryRepo) Statistics() (map[string]map[string]int, error) {
	rows, err := r.db.Query(`SELECT job_name, status, COUNT(*) FROM job_history GROUP BY job_name, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate job history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var name, status string
		var n int
		if err := rows.Scan(&name, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		if out[name] == nil {
			out[name] = make(map[string]int)
		}
		out[name][status] = n
	}
	return out, rows.Err()
}
