package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobs(t *testing.T) {
	path := writeFile(t, "jobs.yaml", `
jobs:
  - name: sma_us
    strategy: sma_cross
    trigger: cron
    cron: "0 16 * * 1-5"
    account: paper1
    market: US
    symbols: [US.AAPL, US.MSFT]
    priority: 10
    send_immediately: true
    enabled: true
  - name: momentum_hk
    strategy: momentum
    trigger: interval
    every_seconds: 3600
    account: paper1
    market: HK
    enabled: false
markets:
  - name: US
    enabled: true
    timezone: America/New_York
    open_time: "09:30"
    close_time: "16:00"
    bar_minutes: 30
`)

	cfg, err := LoadJobs(path)
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "sma_cross", cfg.Jobs[0].Strategy)
	assert.Equal(t, "0 16 * * 1-5", cfg.Jobs[0].Cron)
	assert.True(t, cfg.Jobs[0].SendImmediately)
	assert.Equal(t, 3600, cfg.Jobs[1].EverySeconds)

	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, "America/New_York", cfg.Markets[0].Timezone)
	assert.Equal(t, 30, cfg.Markets[0].BarMinutes)
}

func TestLoadJobs_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate names", `
jobs:
  - {name: a, trigger: interval, every_seconds: 60}
  - {name: a, trigger: interval, every_seconds: 60}
`},
		{"unknown trigger", `
jobs:
  - {name: a, trigger: whenever}
`},
		{"interval without seconds", `
jobs:
  - {name: a, trigger: interval}
`},
		{"market trigger without market", `
jobs:
  - {name: a, trigger: market_open}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadJobs(writeFile(t, "jobs.yaml", tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadJobs_MissingFile(t *testing.T) {
	_, err := LoadJobs("/nonexistent/jobs.yaml")
	assert.Error(t, err)
}

func TestLoadAccounts(t *testing.T) {
	path := writeFile(t, "accounts.yaml", `
accounts:
  - name: paper1
    type: paper
    base_url: http://localhost:8020
  - name: live_futu
    type: futu
    base_url: http://localhost:11111
    timeout: 15
`)
	accounts, err := LoadAccounts(path)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "paper", accounts[0].Type)
	assert.Equal(t, 15, accounts[1].Timeout)
}

func TestLoadTasks_Defaults(t *testing.T) {
	path := writeFile(t, "tasks.yaml", `
tasks:
  - name: daily_us
    type: incremental
    symbols: [US.AAPL]
    cron: "0 22 * * 1-5"
    enabled: true
`)
	tasks, err := LoadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, DefaultInitialDays, tasks[0].InitialDays)
	assert.Equal(t, DefaultCheckRange, tasks[0].CheckRange)
	assert.Equal(t, DefaultMaxPriceChange, tasks[0].MaxPriceChange)
	assert.Equal(t, "1d", tasks[0].Interval)
}

func TestLoadTasks_RequiresTrigger(t *testing.T) {
	path := writeFile(t, "tasks.yaml", `
tasks:
  - name: broken
    type: incremental
`)
	_, err := LoadTasks(path)
	assert.Error(t, err)
}
