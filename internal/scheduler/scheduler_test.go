package scheduler

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milliyang/zuilow/internal/bars"
	"github.com/milliyang/zuilow/internal/broker"
	"github.com/milliyang/zuilow/internal/clock"
	"github.com/milliyang/zuilow/internal/config"
	"github.com/milliyang/zuilow/internal/executor"
	"github.com/milliyang/zuilow/internal/signals"
	"github.com/milliyang/zuilow/internal/strategy"
)

type tickGateway struct {
	placed []broker.OrderTicket
}

func (g *tickGateway) Connect() error    { return nil }
func (g *tickGateway) Disconnect() error { return nil }
func (g *tickGateway) IsConnected() bool { return true }

func (g *tickGateway) GetQuote(symbol string) (*broker.Quote, error) {
	return &broker.Quote{Symbol: symbol, Price: 100}, nil
}

func (g *tickGateway) GetHistory(symbol string, start, end time.Time, interval string) ([]bars.Bar, error) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]bars.Bar, 5)
	for i := range out {
		out[i] = bars.Bar{
			Symbol: symbol, Interval: interval, Time: base.AddDate(0, 0, i),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000,
		}
	}
	return out, nil
}

func (g *tickGateway) GetAccount(account string) (*broker.AccountInfo, error) {
	return &broker.AccountInfo{Account: account, Cash: 100000, TotalAssets: 100000}, nil
}

func (g *tickGateway) GetPositions(account string) ([]broker.PositionInfo, error) { return nil, nil }
func (g *tickGateway) GetOrders(account string) ([]broker.OrderInfo, error)       { return nil, nil }

func (g *tickGateway) PlaceOrder(t broker.OrderTicket) (string, error) {
	g.placed = append(g.placed, t)
	return fmt.Sprintf("order-%d", len(g.placed)), nil
}

func (g *tickGateway) CancelOrder(orderID, account string) error { return nil }

type staticResolver struct {
	gw broker.Gateway
}

func (r *staticResolver) Gateway(account string) (broker.Gateway, error) {
	return r.gw, nil
}

func writeJobsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestScheduler(t *testing.T, jobsYAML string) (*Scheduler, *signals.Repository, *tickGateway, *clock.Clock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := signals.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	history, err := NewHistoryRepo(db, zerolog.Nop())
	require.NoError(t, err)

	gw := &tickGateway{}
	resolver := &staticResolver{gw: gw}
	clk := clock.NewSim(time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC))
	exec := executor.New(repo, resolver, clk, zerolog.Nop())
	runner := strategy.NewRunner(clk, 100, zerolog.Nop())

	cfg := &config.ZuiLowConfig{
		JobsFile:     writeJobsFile(t, t.TempDir(), jobsYAML),
		Workers:      3,
		TickInterval: 60,
	}
	sched := New(cfg, clk, repo, exec, runner, resolver, history, nil, zerolog.Nop())
	require.NoError(t, sched.LoadJobs())
	return sched, repo, gw, clk
}

const strategyThenExecYAML = `
jobs:
  - name: bh_us
    strategy: buy_and_hold
    trigger: interval
    every_seconds: 60
    account: paper1
    market: US
    symbols: [US.AAPL]
    priority: 10
    enabled: true
  - name: drain_us
    trigger: interval
    every_seconds: 60
    account: paper1
    market: US
    priority: 10
    enabled: true
`

func TestTick_StrategyRunsBeforeExecution(t *testing.T) {
	sched, repo, gw, clk := newTestScheduler(t, strategyThenExecYAML)

	sched.Tick(clk.Now())

	// The signal produced in this tick was drained by the execution job
	// of the same tick, never left dangling.
	require.Len(t, gw.placed, 1)
	assert.Equal(t, "US.AAPL", gw.placed[0].Symbol)

	rows, err := repo.List(signals.Filter{Account: "paper1"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, signals.StatusExecuted, rows[0].Status)
}

func TestTick_SendImmediatelyExecutesSynchronously(t *testing.T) {
	yaml := `
jobs:
  - name: bh_now
    strategy: buy_and_hold
    trigger: interval
    every_seconds: 60
    account: paper1
    market: US
    symbols: [US.MSFT]
    send_immediately: true
    enabled: true
`
	sched, repo, gw, clk := newTestScheduler(t, yaml)

	sched.Tick(clk.Now())

	require.Len(t, gw.placed, 1)
	rows, err := repo.List(signals.Filter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, signals.StatusExecuted, rows[0].Status)
}

func TestLoadJobs_AutoInjectsExecutionJobs(t *testing.T) {
	yaml := `
jobs: []
markets:
  - name: US
    enabled: true
    timezone: America/New_York
    open_time: "09:30"
    close_time: "16:00"
    bar_minutes: 30
  - name: HK
    enabled: false
`
	sched, _, _, _ := newTestScheduler(t, yaml)

	names := map[string]bool{}
	for _, j := range sched.Jobs() {
		names[j.Name] = true
		assert.True(t, j.AutoExec)
	}
	assert.True(t, names["exec_us_open"])
	assert.True(t, names["exec_us_close"])
	assert.True(t, names["exec_us_bar"])
	assert.False(t, names["exec_hk_open"], "disabled market gets no jobs")
}

func TestLoadJobs_FailureKeepsPreviousJobs(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, strategyThenExecYAML)
	require.Len(t, sched.Jobs(), 2)

	require.NoError(t, os.WriteFile(sched.cfg.JobsFile, []byte("jobs:\n  - {name: broken, trigger: nope}\n"), 0o644))
	err := sched.LoadJobs()
	require.Error(t, err)
	assert.Len(t, sched.Jobs(), 2, "old job set survives a bad reload")
}

func TestTriggerJob_Rules(t *testing.T) {
	yaml := `
jobs:
  - name: bh
    strategy: buy_and_hold
    trigger: cron
    cron: "0 0 1 1 *"
    account: paper1
    symbols: [US.AAPL]
    enabled: true
  - name: disabled_job
    strategy: buy_and_hold
    trigger: cron
    cron: "0 0 1 1 *"
    enabled: false
markets:
  - name: US
    enabled: true
`
	sched, _, _, _ := newTestScheduler(t, yaml)

	assert.Error(t, sched.TriggerJob("ghost"))
	assert.Error(t, sched.TriggerJob("disabled_job"))
	assert.Error(t, sched.TriggerJob("exec_us_open"), "execution jobs cannot be manually fired")
	assert.NoError(t, sched.TriggerJob("bh"))
}

func TestJob_IsRunningGuard(t *testing.T) {
	j := &Job{Def: config.JobDef{Name: "a", Enabled: true}}
	assert.True(t, j.tryAcquire())
	assert.False(t, j.tryAcquire(), "second acquire while running fails")
	j.release(time.Now(), false)
	assert.True(t, j.tryAcquire())
}

func TestTrigger_Interval(t *testing.T) {
	j := &Job{Def: config.JobDef{Trigger: "interval", EverySeconds: 3600}}
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	assert.True(t, j.due(now, nil), "never-run interval job fires immediately")
	j.release(now, false)
	assert.False(t, j.due(now.Add(time.Minute), nil))
	assert.True(t, j.due(now.Add(time.Hour), nil))
}

func TestTrigger_CronAdvancesFromLastCheck(t *testing.T) {
	def := config.JobDef{Name: "c", Trigger: "cron", Cron: "0 16 * * *"}
	j, err := buildJob(def, nil)
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	assert.False(t, j.due(t0, nil), "first evaluation only primes last_check")
	assert.False(t, j.due(t0.Add(30*time.Minute), nil))
	assert.True(t, j.due(t0.Add(90*time.Minute), nil), "16:00 boundary crossed")
}

func TestTrigger_MarketOpenWeekdaysOnly(t *testing.T) {
	m := &config.MarketDef{Name: "US", Timezone: "America/New_York", OpenTime: "09:30", CloseTime: "16:00", BarMinutes: 30}
	j := &Job{Def: config.JobDef{Trigger: "market_open", Market: "US"}, Market: m}

	// 2025-06-02 is a Monday; 13:30 UTC is 09:30 in New York (EDT)
	monday := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	assert.True(t, j.due(monday, nil))
	j.release(monday, false)
	assert.False(t, j.due(monday.Add(10*time.Second), nil), "same minute never double-fires")

	saturday := time.Date(2025, 6, 7, 13, 30, 0, 0, time.UTC)
	assert.False(t, j.due(saturday, nil))
}

func TestTrigger_EventCondition(t *testing.T) {
	j := &Job{Def: config.JobDef{Trigger: "event", EventType: "price_alert", Condition: "price >= 150"}}
	now := time.Now().UTC()

	assert.False(t, j.due(now, []Event{{Type: "other"}}))
	assert.False(t, j.due(now, []Event{{Type: "price_alert", Fields: map[string]interface{}{"price": 100.0}}}))
	assert.True(t, j.due(now, []Event{{Type: "price_alert", Fields: map[string]interface{}{"price": 180.0}}}))

	in := &Job{Def: config.JobDef{Trigger: "event", EventType: "regime", Condition: "state in [bull, sideways]"}}
	assert.True(t, in.due(now, []Event{{Type: "regime", Fields: map[string]interface{}{"state": "bull"}}}))
	assert.False(t, in.due(now, []Event{{Type: "regime", Fields: map[string]interface{}{"state": "bear"}}}))
}

func TestHistoryRepo_RoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewHistoryRepo(db, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)
	id, err := repo.Begin("bh_us", now)
	require.NoError(t, err)
	require.NoError(t, repo.Finish(id, "success", 2, "", now.Add(time.Second)))

	id2, err := repo.Begin("bh_us", now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Finish(id2, "failed", 0, "boom", now.Add(2*time.Minute)))

	rows, err := repo.List("bh_us", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[0].Status, "newest first")
	assert.Equal(t, 2, rows[1].SignalsCount)

	stats, err := repo.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["bh_us"]["success"])
	assert.Equal(t, 1, stats["bh_us"]["failed"])
}
