// Package dms is the data maintenance service core: a cron/interval task
// engine that keeps the primary bar store current for a symbol universe,
// replicates writes to backup stores and serves the read API.
package dms

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maintLogSchema = `
CREATE TABLE IF NOT EXISTS maintenance_log (
	id         TEXT PRIMARY KEY,
	task_name  TEXT NOT NULL,
	task_type  TEXT NOT NULL,
	status     TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	data_count INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_maintlog_name_start ON maintenance_log(task_name, start_time);
`

// LogRow is one maintenance run record. Status is running, completed or
// failed; a row left in running marks a run orphaned by a restart.
type LogRow struct {
	ID        string     `json:"id"`
	TaskName  string     `json:"task_name"`
	TaskType  string     `json:"task_type"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	DataCount int        `json:"data_count"`
	Error     string     `json:"error,omitempty"`
}

// MaintLog is the append-only audit trail of task runs.
type MaintLog struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMaintLog creates the maintenance_log table when missing.
func NewMaintLog(db *sql.DB, log zerolog.Logger) (*MaintLog, error) {
	if _, err := db.Exec(maintLogSchema); err != nil {
		return nil, fmt.Errorf("failed to create maintenance_log schema: %w", err)
	}
	return &MaintLog{db: db, log: log.With().Str("repo", "maintenance_log").Logger()}, nil
}

// Start appends a running row and returns its id.
func (m *MaintLog) Start(taskName, taskType string, startTime time.Time) (string, error) {
	id := uuid.New().String()
	_, err := m.db.Exec(`INSERT INTO maintenance_log (id, task_name, task_type, status, start_time) VALUES (?, ?, ?, 'running', ?)`,
		id, taskName, taskType, startTime.UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to record task start: %w", err)
	}
	return id, nil
}

// Complete closes a run as completed with its row count.
func (m *MaintLog) Complete(id string, dataCount int, endTime time.Time) error {
	_, err := m.db.Exec(`UPDATE maintenance_log SET status = 'completed', data_count = ?, end_time = ? WHERE id = ?`,
		dataCount, endTime.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record task completion: %w", err)
	}
	return nil
}

// Fail closes a run as failed with the error text.
func (m *MaintLog) Fail(id, errMsg string, endTime time.Time) error {
	_, err := m.db.Exec(`UPDATE maintenance_log SET status = 'failed', error = ?, end_time = ? WHERE id = ?`,
		errMsg, endTime.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	return nil
}

// List returns the newest runs, optionally scoped to one task.
func (m *MaintLog) List(taskName string, limit, offset int) ([]LogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, task_name, task_type, status, start_time, end_time, data_count, error FROM maintenance_log`
	args := []interface{}{}
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance log: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		var start int64
		var end sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TaskName, &r.TaskType, &r.Status, &start, &end, &r.DataCount, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan maintenance log row: %w", err)
		}
		r.StartTime = time.Unix(start, 0).UTC()
		if end.Valid {
			t := time.Unix(end.Int64, 0).UTC()
			r.EndTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastStatus returns the status of the newest run for a task, or "" when
// the task has never run. Used to derive task state after a restart.
func (m *MaintLog) LastStatus(taskName string) (string, error) {
	var status string
	err := m.db.QueryRow(
		`SELECT status FROM maintenance_log WHERE task_name = ? ORDER BY start_time DESC, id DESC LIMIT 1`,
		taskName).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last task status: %w", err)
	}
	return status, nil
}
