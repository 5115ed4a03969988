package config

// StimeConfig configures the simulation-clock driver.
type StimeConfig struct {
	Port      int
	AuthToken string // forwarded as X-Webhook-Token on tick fan-out
	LogLevel  string
	LogPretty bool

	TickURLs    []string
	TickTimeout int // seconds per downstream call
}

// LoadStime builds the stime config from the environment.
func LoadStime() (*StimeConfig, error) {
	LoadEnv()

	cfg := &StimeConfig{
		Port:      getEnvAsInt("STIME_PORT", 8040),
		AuthToken: getEnv("STIME_AUTH_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		TickURLs:    getEnvAsList("STIME_TICK_URLS", []string{"http://localhost:8030/api/scheduler/tick"}),
		TickTimeout: getEnvAsInt("STIME_TICK_TIMEOUT", 600),
	}
	return cfg, nil
}
