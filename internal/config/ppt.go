package config

import "path/filepath"

// PPTConfig configures the paper-trading service.
type PPTConfig struct {
	Port      int
	DataDir   string
	DBPath    string
	AuthToken string
	LogLevel  string
	LogPretty bool

	// Execution model
	Slippage       float64
	CommissionRate float64
	MinCommission  float64
	FillRate       float64

	// Bootstrap account created on first start when none exists
	DefaultAccount string
	InitialCapital float64

	// Quote resolution for market orders and equity valuation
	DMSBaseURL string
	DMSTimeout int // seconds
}

// LoadPPT builds the ppt config from the environment.
func LoadPPT() (*PPTConfig, error) {
	LoadEnv()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &PPTConfig{
		Port:      getEnvAsInt("PPT_PORT", 8020),
		DataDir:   dataDir,
		DBPath:    getEnv("PPT_DB_PATH", filepath.Join(dataDir, "ppt.db")),
		AuthToken: getEnv("PPT_AUTH_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		Slippage:       getEnvAsFloat("PPT_SLIPPAGE", 0.0),
		CommissionRate: getEnvAsFloat("PPT_COMMISSION_RATE", 0.001),
		MinCommission:  getEnvAsFloat("PPT_MIN_COMMISSION", 1.0),
		FillRate:       getEnvAsFloat("PPT_FILL_RATE", 1.0),

		DefaultAccount: getEnv("PPT_DEFAULT_ACCOUNT", "paper"),
		InitialCapital: getEnvAsFloat("PPT_INITIAL_CAPITAL", 100000),

		DMSBaseURL: getEnv("PPT_DMS_URL", "http://localhost:8010"),
		DMSTimeout: getEnvAsInt("PPT_DMS_TIMEOUT", 10),
	}
	return cfg, nil
}
