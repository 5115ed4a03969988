package dms

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const syncHistorySchema = `
CREATE TABLE IF NOT EXISTS sync_history (
	backup     TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	last_sync  INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (backup, symbol, interval)
);
`

// SyncHistory keeps the replication high-watermark per (backup, symbol,
// interval). The watermark only moves forward and only on a successful
// copy, so a failed cycle is retried from the same point.
type SyncHistory struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSyncHistory creates the sync_history table when missing.
func NewSyncHistory(db *sql.DB, log zerolog.Logger) (*SyncHistory, error) {
	if _, err := db.Exec(syncHistorySchema); err != nil {
		return nil, fmt.Errorf("failed to create sync_history schema: %w", err)
	}
	return &SyncHistory{db: db, log: log.With().Str("repo", "sync_history").Logger()}, nil
}

// LastSync returns the high-watermark; ok is false when the backup has
// never synced this (symbol, interval).
func (s *SyncHistory) LastSync(backup, symbol, interval string) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRow(
		`SELECT last_sync FROM sync_history WHERE backup = ? AND symbol = ? AND interval = ?`,
		backup, symbol, interval).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync watermark: %w", err)
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// SetLastSync advances the high-watermark. A watermark behind the stored
// one is ignored so concurrent syncs never move it backwards.
func (s *SyncHistory) SetLastSync(backup, symbol, interval string, t, updatedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_history (backup, symbol, interval, last_sync, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backup, symbol, interval) DO UPDATE SET
			last_sync  = MAX(last_sync, excluded.last_sync),
			updated_at = excluded.updated_at`,
		backup, symbol, interval, t.UTC().Unix(), updatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to advance sync watermark: %w", err)
	}
	return nil
}
