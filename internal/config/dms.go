package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// DMSConfig configures the data-maintenance service: primary bar store,
// optional backup stores, the upstream fetcher and the read cache.
type DMSConfig struct {
	Port      int
	DataDir   string
	DBPath    string
	AuthToken string
	LogLevel  string
	LogPretty bool

	Role string // master | slave; destructive operations require master

	TasksFile string // YAML task definitions; empty disables scheduling

	FetcherBaseURL string
	FetcherTimeout int // seconds

	// Replication
	Backups     []string // base URLs of backup dms instances
	SyncWorkers int
	RetryTimes  int
	RetryDelay  int // seconds, exponential backoff base

	// Read cache
	CacheCapacity int
	CacheTTL      int // seconds, 0 disables expiry
}

// LoadDMS builds the dms config from the environment.
func LoadDMS() (*DMSConfig, error) {
	LoadEnv()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &DMSConfig{
		Port:      getEnvAsInt("DMS_PORT", 8010),
		DataDir:   dataDir,
		DBPath:    getEnv("DMS_DB_PATH", filepath.Join(dataDir, "dms.db")),
		AuthToken: getEnv("DMS_AUTH_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		Role: getEnv("DMS_ROLE", "master"),

		TasksFile: getEnv("DMS_TASKS_FILE", ""),

		FetcherBaseURL: getEnv("DMS_FETCHER_URL", "https://query1.finance.yahoo.com"),
		FetcherTimeout: getEnvAsInt("DMS_FETCHER_TIMEOUT", 30),

		Backups:     getEnvAsList("DMS_BACKUPS", nil),
		SyncWorkers: getEnvAsInt("DMS_SYNC_WORKERS", 5),
		RetryTimes:  getEnvAsInt("DMS_RETRY_TIMES", 3),
		RetryDelay:  getEnvAsInt("DMS_RETRY_DELAY", 2),

		CacheCapacity: getEnvAsInt("DMS_CACHE_CAPACITY", 256),
		CacheTTL:      getEnvAsInt("DMS_CACHE_TTL", 300),
	}
	return cfg, nil
}

// TaskDef is one maintenance task declaration from the tasks YAML.
type TaskDef struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // incremental | full_sync | validation | repair
	Symbols  []string `mapstructure:"symbols"`
	Interval string   `mapstructure:"interval"` // bar interval, e.g. day

	// Trigger: exactly one of cron / every_seconds
	Cron         string `mapstructure:"cron"`
	EverySeconds int    `mapstructure:"every_seconds"`

	Enabled bool `mapstructure:"enabled"`

	// Task-type tuning; zero values fall back to the defaults below
	InitialDays    int     `mapstructure:"initial_days"`
	CheckRange     int     `mapstructure:"check_range"`
	MaxPriceChange float64 `mapstructure:"max_price_change"`
	StartDate      string  `mapstructure:"start_date"` // full_sync
	EndDate        string  `mapstructure:"end_date"`
}

// Task default tuning used when a TaskDef leaves a field zero.
const (
	DefaultInitialDays    = 1825
	DefaultCheckRange     = 30
	DefaultMaxPriceChange = 0.5
)

// LoadTasks reads the task definitions YAML.
func LoadTasks(path string) ([]TaskDef, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read tasks file %s: %w", path, err)
	}

	var file struct {
		Tasks []TaskDef `mapstructure:"tasks"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file %s: %w", path, err)
	}

	for i := range file.Tasks {
		t := &file.Tasks[i]
		if t.Name == "" {
			return nil, fmt.Errorf("task %d in %s has no name", i, path)
		}
		if t.Cron == "" && t.EverySeconds <= 0 {
			return nil, fmt.Errorf("task %s has neither cron nor every_seconds", t.Name)
		}
		if t.InitialDays <= 0 {
			t.InitialDays = DefaultInitialDays
		}
		if t.CheckRange <= 0 {
			t.CheckRange = DefaultCheckRange
		}
		if t.MaxPriceChange <= 0 {
			t.MaxPriceChange = DefaultMaxPriceChange
		}
		if t.Interval == "" {
			t.Interval = "1d"
		}
	}
	return file.Tasks, nil
}
