package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// ZuiLowConfig configures the strategy scheduler service.
type ZuiLowConfig struct {
	Port      int
	DataDir   string
	DBPath    string
	AuthToken string
	LogLevel  string
	LogPretty bool

	JobsFile     string
	AccountsFile string

	Workers      int // job worker pool
	TickInterval int // seconds between trigger evaluations, capped at 60

	DefaultQty     float64
	DefaultAccount string

	// Peer services
	PPTBaseURL string
	DMSBaseURL string
	PPTTimeout int // seconds
	DMSTimeout int

	// Notifier: empty URL keeps the log sink only
	NotifyWebhookURL string
}

// LoadZuiLow builds the zuilow config from the environment.
func LoadZuiLow() (*ZuiLowConfig, error) {
	LoadEnv()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &ZuiLowConfig{
		Port:      getEnvAsInt("ZUILOW_PORT", 8030),
		DataDir:   dataDir,
		DBPath:    getEnv("ZUILOW_DB_PATH", filepath.Join(dataDir, "zuilow.db")),
		AuthToken: getEnv("ZUILOW_AUTH_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		JobsFile:     getEnv("ZUILOW_JOBS_FILE", filepath.Join(dataDir, "jobs.yaml")),
		AccountsFile: getEnv("ZUILOW_ACCOUNTS_FILE", filepath.Join(dataDir, "accounts.yaml")),

		Workers:      getEnvAsInt("ZUILOW_WORKERS", 3),
		TickInterval: getEnvAsInt("ZUILOW_TICK_INTERVAL", 60),

		DefaultQty:     getEnvAsFloat("ZUILOW_DEFAULT_QTY", 100),
		DefaultAccount: getEnv("ZUILOW_DEFAULT_ACCOUNT", ""),

		PPTBaseURL: getEnv("ZUILOW_PPT_URL", "http://localhost:8020"),
		DMSBaseURL: getEnv("ZUILOW_DMS_URL", "http://localhost:8010"),
		PPTTimeout: getEnvAsInt("ZUILOW_PPT_TIMEOUT", 30),
		DMSTimeout: getEnvAsInt("ZUILOW_DMS_TIMEOUT", 10),

		NotifyWebhookURL: getEnv("ZUILOW_NOTIFY_WEBHOOK", ""),
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > 60 {
		cfg.TickInterval = 60
	}
	return cfg, nil
}

// JobDef is one scheduler job declaration from the jobs YAML.
type JobDef struct {
	Name     string `mapstructure:"name"`
	Strategy string `mapstructure:"strategy"`
	Trigger  string `mapstructure:"trigger"` // cron | interval | event | market_open | market_close | open_bar | at_time

	Cron         string `mapstructure:"cron"`
	EverySeconds int    `mapstructure:"every_seconds"`
	AtTime       string `mapstructure:"at_time"` // cron-like time expression
	EventType    string `mapstructure:"event_type"`
	Condition    string `mapstructure:"condition"` // "field op value"

	Account         string                 `mapstructure:"account"`
	Market          string                 `mapstructure:"market"`
	Symbols         []string               `mapstructure:"symbols"`
	Params          map[string]interface{} `mapstructure:"params"`
	Priority        int                    `mapstructure:"priority"`
	SendImmediately bool                   `mapstructure:"send_immediately"`
	Enabled         bool                   `mapstructure:"enabled"`
}

// MarketDef declares a tradable market; enabled markets get the three
// auto-injected execution jobs.
type MarketDef struct {
	Name       string `mapstructure:"name"` // US | HK | ...
	Enabled    bool   `mapstructure:"enabled"`
	Timezone   string `mapstructure:"timezone"`   // IANA name
	OpenTime   string `mapstructure:"open_time"`  // HH:MM in market tz
	CloseTime  string `mapstructure:"close_time"` // HH:MM
	BarMinutes int    `mapstructure:"bar_minutes"`
}

// JobsConfig is the full jobs YAML: declared jobs plus market definitions.
type JobsConfig struct {
	Jobs    []JobDef    `mapstructure:"jobs"`
	Markets []MarketDef `mapstructure:"markets"`
}

// LoadJobs reads and validates the jobs YAML.
func LoadJobs(path string) (*JobsConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read jobs file %s: %w", path, err)
	}

	var cfg JobsConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("job %d in %s has no name", i, path)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("duplicate job name %s in %s", j.Name, path)
		}
		seen[j.Name] = true
		switch j.Trigger {
		case "cron", "at_time":
			if j.Cron == "" && j.AtTime == "" {
				return nil, fmt.Errorf("job %s trigger %s requires a cron expression", j.Name, j.Trigger)
			}
		case "interval":
			if j.EverySeconds <= 0 {
				return nil, fmt.Errorf("job %s trigger interval requires every_seconds > 0", j.Name)
			}
		case "event":
			if j.EventType == "" {
				return nil, fmt.Errorf("job %s trigger event requires event_type", j.Name)
			}
		case "market_open", "market_close", "open_bar":
			if j.Market == "" {
				return nil, fmt.Errorf("job %s trigger %s requires a market", j.Name, j.Trigger)
			}
		default:
			return nil, fmt.Errorf("job %s has unknown trigger %q", j.Name, j.Trigger)
		}
	}

	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		if m.Name == "" {
			return nil, fmt.Errorf("market %d in %s has no name", i, path)
		}
		if m.Timezone == "" {
			m.Timezone = "UTC"
		}
		if m.BarMinutes <= 0 {
			m.BarMinutes = 30
		}
	}
	return &cfg, nil
}

// AccountDef maps an account name to a broker type for executor routing.
type AccountDef struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // paper | futu | ibkr | alpaca

	// Broker connection settings; interpretation depends on Type
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Timeout   int    `mapstructure:"timeout"` // seconds
}

// LoadAccounts reads the accounts YAML.
func LoadAccounts(path string) ([]AccountDef, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read accounts file %s: %w", path, err)
	}

	var file struct {
		Accounts []AccountDef `mapstructure:"accounts"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}

	for i, a := range file.Accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("account %d in %s has no name", i, path)
		}
		if a.Type == "" {
			return nil, fmt.Errorf("account %s in %s has no type", a.Name, path)
		}
	}
	return file.Accounts, nil
}
