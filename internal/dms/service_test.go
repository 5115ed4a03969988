package dms

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
)

type fakeFetcher struct {
	history map[string][]bars.Bar
	calls   int
}

func (f *fakeFetcher) History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	f.calls++
	var out []bars.Bar
	for _, b := range f.history[symbol] {
		if !b.Time.Before(start) && !b.Time.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeFetcher) Quote(ctx context.Context, symbol string) (float64, error) {
	rows := f.history[symbol]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].Close, nil
}

func dayBar(sym string, day string, close float64) bars.Bar {
	t, _ := time.Parse("2006-01-02", day)
	return bars.Bar{
		Symbol: sym, Interval: bars.Interval1d, Time: t,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1000,
	}
}

func newMemStore(t *testing.T) (bars.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := bars.NewSQLiteStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store, db
}

func newTestService(t *testing.T, fetcher *fakeFetcher, defs []config.TaskDef, now time.Time) (*Service, bars.Store) {
	t.Helper()
	store, db := newMemStore(t)
	maint, err := NewMaintLog(db, zerolog.Nop())
	require.NoError(t, err)
	cache, err := bars.NewCache(16, time.Minute)
	require.NoError(t, err)

	cfg := &config.DMSConfig{SyncWorkers: 2}
	svc, err := NewService(cfg, store, fetcher, cache, maint, nil, clock.NewSim(now), defs, zerolog.Nop())
	require.NoError(t, err)
	return svc, store
}

func incrementalDef(symbols ...string) config.TaskDef {
	return config.TaskDef{
		Name: "daily_sync", Type: "incremental", Symbols: symbols,
		Interval: bars.Interval1d, EverySeconds: 3600, Enabled: true,
		InitialDays: 1825, CheckRange: 30, MaxPriceChange: 0.5,
	}
}

func TestIncremental_AdvancesFromLatest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{history: map[string][]bars.Bar{
		"US.AAPL": {
			dayBar("US.AAPL", "2025-11-14", 180),
			dayBar("US.AAPL", "2025-11-15", 181),
			dayBar("US.AAPL", "2025-11-16", 182),
			dayBar("US.AAPL", "2025-11-17", 183),
		},
	}}

	svc, store := newTestService(t, fetcher, []config.TaskDef{incrementalDef("US.AAPL")}, now)
	require.NoError(t, store.Write(ctx, []bars.Bar{dayBar("US.AAPL", "2025-11-14", 180)}))

	svc.runTask(svc.tasks["daily_sync"])

	latest, ok, err := store.Latest(ctx, "US.AAPL", bars.Interval1d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-11-17", latest.UTC().Format("2006-01-02"))

	rows, err := svc.MaintenanceLog().List("daily_sync", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, 3, rows[0].DataCount, "only rows after the stored latest are written")
	assert.Equal(t, TaskCompleted, svc.tasks["daily_sync"].snapshot().Status)
}

func TestIncremental_BootstrapsEmptySymbol(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{history: map[string][]bars.Bar{
		"US.MSFT": {
			dayBar("US.MSFT", "2025-11-14", 400),
			dayBar("US.MSFT", "2025-11-17", 410),
		},
	}}

	svc, store := newTestService(t, fetcher, []config.TaskDef{incrementalDef("US.MSFT")}, now)
	svc.runTask(svc.tasks["daily_sync"])

	count, err := store.Count(ctx, "US.MSFT", bars.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestValidation_ReportsIssuesWithoutWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, &fakeFetcher{}, []config.TaskDef{{
		Name: "check", Type: "validation", Symbols: []string{"US.AAPL"},
		Interval: bars.Interval1d, EverySeconds: 3600, Enabled: true,
		CheckRange: 30, MaxPriceChange: 0.5,
	}}, now)

	zeroVol := dayBar("US.AAPL", "2025-11-13", 100)
	zeroVol.Volume = 0
	spike := dayBar("US.AAPL", "2025-11-14", 200) // +100% day over day
	require.NoError(t, store.Write(ctx, []bars.Bar{
		dayBar("US.AAPL", "2025-11-12", 100),
		zeroVol,
		spike,
	}))

	before, err := store.Count(ctx, "US.AAPL", bars.Interval1d)
	require.NoError(t, err)

	svc.runTask(svc.tasks["check"])

	snap := svc.tasks["check"].snapshot()
	assert.Equal(t, TaskCompleted, snap.Status)
	require.Len(t, snap.LastIssues, 2)
	assert.Contains(t, snap.LastIssues[0], "zero volume")
	assert.Contains(t, snap.LastIssues[1], "exceeds limit")

	after, err := store.Count(ctx, "US.AAPL", bars.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, before, after, "validation never writes")
}

func TestRepair_OverwritesDriftedRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{history: map[string][]bars.Bar{
		"US.AAPL": {
			dayBar("US.AAPL", "2025-11-13", 100), // matches stored
			dayBar("US.AAPL", "2025-11-14", 105), // stored has 100: 5% drift
		},
	}}

	svc, store := newTestService(t, fetcher, []config.TaskDef{{
		Name: "fix", Type: "repair", Symbols: []string{"US.AAPL"},
		Interval: bars.Interval1d, EverySeconds: 3600, Enabled: true,
		CheckRange: 30, MaxPriceChange: 0.5,
	}}, now)

	require.NoError(t, store.Write(ctx, []bars.Bar{
		dayBar("US.AAPL", "2025-11-13", 100),
		dayBar("US.AAPL", "2025-11-14", 100),
	}))

	svc.runTask(svc.tasks["fix"])

	rows, err := svc.MaintenanceLog().List("fix", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].DataCount, "only the drifted row is rewritten")

	day, _ := time.Parse("2006-01-02", "2025-11-14")
	stored, err := store.Read(ctx, "US.AAPL", bars.Interval1d, day, day)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 105, stored[0].Close, 1e-9)
}

func TestTaskFailure_ReturnsToFailedAndRefires(t *testing.T) {
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &fakeFetcher{}, []config.TaskDef{{
		Name: "bad", Type: "full_sync", Symbols: []string{"US.AAPL"},
		Interval: bars.Interval1d, EverySeconds: 3600, Enabled: true,
		StartDate: "not-a-date",
	}}, now)

	task := svc.tasks["bad"]
	svc.runTask(task)

	assert.Equal(t, TaskFailed, task.snapshot().Status)
	rows, err := svc.MaintenanceLog().List("bad", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Contains(t, rows[0].Error, "bad start_date")

	assert.True(t, task.tryStart(), "a failed task is startable on the next trigger")
}

func TestRestart_DerivesStateFromMaintenanceLog(t *testing.T) {
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	store, db := newMemStore(t)
	maint, err := NewMaintLog(db, zerolog.Nop())
	require.NoError(t, err)

	// A run that never finished, as left behind by a crash.
	_, err = maint.Start("daily_sync", "incremental", now.Add(-time.Hour))
	require.NoError(t, err)

	cfg := &config.DMSConfig{SyncWorkers: 2}
	svc, err := NewService(cfg, store, &fakeFetcher{}, nil, maint, nil,
		clock.NewSim(now), []config.TaskDef{incrementalDef("US.AAPL")}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, TaskRunning, svc.tasks["daily_sync"].snapshot().Status,
		"orphaned running row is reported as RUNNING until the next run")

	require.NoError(t, svc.Start())
	defer svc.Stop()
	assert.Equal(t, TaskIdle, svc.tasks["daily_sync"].snapshot().Status,
		"start clears the orphan so the task can fire again")
}

func TestReplication_HighWatermark(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	primary, db := newMemStore(t)
	backup, _ := newMemStore(t)
	history, err := NewSyncHistory(db, zerolog.Nop())
	require.NoError(t, err)

	clk := clock.NewSim(now)
	repl := NewReplicator(primary, []Backup{{Name: "backup-1", Store: backup}}, history,
		ReplicatorConfig{Workers: 2, RetryTimes: 1, RetryDelay: time.Millisecond}, clk, zerolog.Nop())

	require.NoError(t, primary.Write(ctx, []bars.Bar{
		dayBar("US.AAPL", "2025-11-13", 100),
		dayBar("US.AAPL", "2025-11-14", 101),
	}))
	require.NoError(t, repl.SyncIncremental(ctx, "US.AAPL", bars.Interval1d))

	count, err := backup.Count(ctx, "US.AAPL", bars.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	last, ok, err := history.LastSync("backup-1", "US.AAPL", bars.Interval1d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Unix(), last.Unix())

	// New primary rows after the watermark are picked up next cycle.
	require.NoError(t, clk.Advance(24*time.Hour))
	require.NoError(t, primary.Write(ctx, []bars.Bar{dayBar("US.AAPL", "2025-11-18", 102)}))
	require.NoError(t, repl.SyncIncremental(ctx, "US.AAPL", bars.Interval1d))

	count, err = backup.Count(ctx, "US.AAPL", bars.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestReadHistory_CacheHit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, &fakeFetcher{}, nil, now)
	require.NoError(t, store.Write(ctx, []bars.Bar{dayBar("US.AAPL", "2025-11-14", 100)}))

	start, _ := time.Parse("2006-01-02", "2025-11-10")
	for i := 0; i < 2; i++ {
		rows, err := svc.ReadHistory(ctx, "AAPL", bars.Interval1d, start, now)
		require.NoError(t, err)
		require.Len(t, rows, 1)
	}

	hits, misses, size := svc.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestReadBatch_PartitionsBySymbol(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, &fakeFetcher{}, nil, now)
	require.NoError(t, store.Write(ctx, []bars.Bar{
		dayBar("US.AAPL", "2025-11-13", 100),
		dayBar("US.AAPL", "2025-11-14", 101),
		dayBar("US.MSFT", "2025-11-14", 400),
	}))

	start, _ := time.Parse("2006-01-02", "2025-11-10")
	out, err := svc.ReadBatch(ctx, []string{"AAPL", "MSFT"}, bars.Interval1d, start, now)
	require.NoError(t, err)
	assert.Len(t, out["US.AAPL"], 2)
	assert.Len(t, out["US.MSFT"], 1)
}

func TestTaskDue_CronAndInterval(t *testing.T) {
	cronTask, err := buildTask(config.TaskDef{Name: "c", Type: "incremental", Cron: "0 10 * * *"})
	require.NoError(t, err)

	t0 := time.Date(2025, 11, 17, 9, 0, 0, 0, time.UTC)
	assert.False(t, cronTask.due(t0), "first evaluation primes the baseline")
	assert.False(t, cronTask.due(t0.Add(30*time.Minute)))
	assert.True(t, cronTask.due(t0.Add(90*time.Minute)), "10:00 boundary crossed")

	intTask, err := buildTask(config.TaskDef{Name: "i", Type: "incremental", EverySeconds: 3600})
	require.NoError(t, err)
	assert.True(t, intTask.due(t0), "never-checked interval task fires immediately")
	assert.False(t, intTask.due(t0.Add(time.Minute)))
	assert.True(t, intTask.due(t0.Add(time.Hour)))
}

func TestTriggerAll_FiltersByType(t *testing.T) {
	now := time.Date(2025, 11, 17, 10, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &fakeFetcher{}, []config.TaskDef{
		incrementalDef("US.AAPL"),
		{Name: "check", Type: "validation", Symbols: []string{"US.AAPL"},
			Interval: bars.Interval1d, EverySeconds: 3600, Enabled: true,
			CheckRange: 30, MaxPriceChange: 0.5},
	}, now)

	results := svc.TriggerAll("validation")
	require.Len(t, results, 1)
	assert.Equal(t, "check", results[0].Task)
	assert.True(t, results[0].Started)

	svc.wg.Wait()
}
