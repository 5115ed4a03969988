package dms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
)

// Backup names one replication target.
type Backup struct {
	Name  string
	Store bars.Store
}

// Replicator copies primary bar writes to backup stores. Each backup keeps
// its own (symbol, interval) high-watermark in sync_history; the watermark
// advances only after a successful copy, so failed cycles retry from the
// same point. Per-backup copies run through a bounded fan-out pool.
type Replicator struct {
	primary bars.Store
	backups []Backup
	history *SyncHistory
	clock   *clock.Clock
	log     zerolog.Logger

	workers    chan struct{}
	retryTimes int
	retryDelay time.Duration

	wg sync.WaitGroup
}

// ReplicatorConfig tunes the fan-out pool and retry policy.
type ReplicatorConfig struct {
	Workers    int
	RetryTimes int
	RetryDelay time.Duration
}

// NewReplicator wires a replicator; nil is a valid receiver for every
// method, so callers without backups can skip the construction entirely.
func NewReplicator(primary bars.Store, backups []Backup, history *SyncHistory,
	cfg ReplicatorConfig, clk *clock.Clock, log zerolog.Logger) *Replicator {

	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Replicator{
		primary:    primary,
		backups:    backups,
		history:    history,
		clock:      clk,
		log:        log.With().Str("component", "replicator").Logger(),
		workers:    make(chan struct{}, cfg.Workers),
		retryTimes: cfg.RetryTimes,
		retryDelay: cfg.RetryDelay,
	}
}

// SyncIncremental copies rows in (last_sync, now] for one (symbol,
// interval) to every backup in parallel. A failing backup is skipped this
// cycle; the others still advance.
func (r *Replicator) SyncIncremental(ctx context.Context, symbol, interval string) error {
	if r == nil || len(r.backups) == 0 {
		return nil
	}
	now := r.clock.Now()

	var wg sync.WaitGroup
	errs := make([]error, len(r.backups))
	for i, b := range r.backups {
		wg.Add(1)
		r.workers <- struct{}{}
		go func(i int, b Backup) {
			defer wg.Done()
			defer func() { <-r.workers }()
			errs[i] = r.syncOne(ctx, b, symbol, interval, now)
		}(i, b)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			r.log.Warn().Err(err).Str("backup", r.backups[i].Name).Str("symbol", symbol).
				Msg("Backup sync failed; will retry next cycle")
			return err
		}
	}
	return nil
}

func (r *Replicator) syncOne(ctx context.Context, b Backup, symbol, interval string, now time.Time) error {
	last, ok, err := r.history.LastSync(b.Name, symbol, interval)
	if err != nil {
		return err
	}
	start := now.AddDate(-30, 0, 0)
	if ok {
		start = last
	}

	rows, err := r.primary.Read(ctx, symbol, interval, start, now)
	if err != nil {
		return fmt.Errorf("primary read for replication failed: %w", err)
	}
	if ok {
		// Read is inclusive; the watermark row itself was copied already.
		filtered := rows[:0]
		for _, row := range rows {
			if row.Time.After(last) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if len(rows) == 0 {
		return nil
	}

	if err := r.withRetry(func() error { return b.Store.Write(ctx, rows) }); err != nil {
		return fmt.Errorf("backup %s write failed: %w", b.Name, err)
	}
	if err := r.history.SetLastSync(b.Name, symbol, interval, now, r.clock.Now()); err != nil {
		return err
	}
	r.log.Debug().Str("backup", b.Name).Str("symbol", symbol).Int("rows", len(rows)).
		Msg("Backup synced")
	return nil
}

// SyncFull copies a fixed range to every backup and moves the watermark to
// the range end.
func (r *Replicator) SyncFull(ctx context.Context, symbol, interval string, start, end time.Time) error {
	if r == nil || len(r.backups) == 0 {
		return nil
	}
	rows, err := r.primary.Read(ctx, symbol, interval, start, end)
	if err != nil {
		return fmt.Errorf("primary read for replication failed: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(r.backups))
	for i, b := range r.backups {
		wg.Add(1)
		r.workers <- struct{}{}
		go func(i int, b Backup) {
			defer wg.Done()
			defer func() { <-r.workers }()
			if err := r.withRetry(func() error { return b.Store.Write(ctx, rows) }); err != nil {
				errs[i] = fmt.Errorf("backup %s write failed: %w", b.Name, err)
				return
			}
			errs[i] = r.history.SetLastSync(b.Name, symbol, interval, end, r.clock.Now())
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Realtime fans freshly written rows out to every backup in the
// background. Best effort: failures are logged and reconciled by the next
// incremental sync cycle.
func (r *Replicator) Realtime(rows []bars.Bar) {
	if r == nil || len(r.backups) == 0 || len(rows) == 0 {
		return
	}
	for _, b := range r.backups {
		r.wg.Add(1)
		go func(b Backup) {
			defer r.wg.Done()
			if err := b.Store.Write(context.Background(), rows); err != nil {
				r.log.Warn().Err(err).Str("backup", b.Name).
					Msg("Realtime fan-out failed; incremental sync will reconcile")
			}
		}(b)
	}
}

// Wait blocks until in-flight realtime copies drain. Called on shutdown.
func (r *Replicator) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Replicator) withRetry(fn func() error) error {
	var err error
	delay := r.retryDelay
	for attempt := 0; attempt < r.retryTimes; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
