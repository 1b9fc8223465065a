package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the vesta trader.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Broker  BrokerConfig  `yaml:"broker"`
}

// Storage selects the database and the data directory for cycle journals.
type Storage struct {
	Driver     string `yaml:"driver"` // "sqlite" or "postgres"
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	DSN        string `yaml:"dsn"`
}

// Server holds network listener configuration.
type Server struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	GRPCPort          int     `yaml:"grpc_port"`
	CommandsPerMinute float64 `yaml:"commands_per_minute"`
	CommandBurst      int     `yaml:"command_burst"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines cycle cadence and the loop intervals of the
// background tasks.
type TradingConfig struct {
	PaperMode            bool          `yaml:"paper_mode"`
	AutoStart            bool          `yaml:"auto_start"`
	ThresholdsPath       string        `yaml:"thresholds_path"`
	CandidatesPath       string        `yaml:"candidates_path"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	ThresholdsReload     time.Duration `yaml:"thresholds_reload"`
	StuckOrderAfter      time.Duration `yaml:"stuck_order_after"`
	PhantomConfirmations int           `yaml:"phantom_confirmations"`
	LiquidationDelay     time.Duration `yaml:"liquidation_delay"`
	MinCandidateScore    float64       `yaml:"min_candidate_score"`
	MaxCandidates        int           `yaml:"max_candidates"`
	CapitalBudget        float64       `yaml:"capital_budget"`
	Holidays             []string      `yaml:"holidays"`
}

// BrokerConfig bounds every call to the brokerage.
type BrokerConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the trader cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: storage.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if !c.Trading.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("config: alpaca credentials are required outside paper mode")
	}
	if c.Trading.PhantomConfirmations < 1 {
		return fmt.Errorf("config: trading.phantom_confirmations must be at least 1")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("VESTA_PAPER_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.PaperMode = b
		}
	}

	if v := os.Getenv("VESTA_THRESHOLDS"); v != "" {
		cfg.Trading.ThresholdsPath = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Server.CommandsPerMinute == 0 {
		cfg.Server.CommandsPerMinute = 30
	}
	if cfg.Server.CommandBurst == 0 {
		cfg.Server.CommandBurst = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	t := &cfg.Trading
	if t.ThresholdsPath == "" {
		t.ThresholdsPath = "config/thresholds.yaml"
	}
	if t.MonitorInterval == 0 {
		t.MonitorInterval = 15 * time.Second
	}
	if t.ReconcileInterval == 0 {
		t.ReconcileInterval = time.Minute
	}
	if t.ThresholdsReload == 0 {
		t.ThresholdsReload = 10 * time.Second
	}
	if t.StuckOrderAfter == 0 {
		t.StuckOrderAfter = 2 * time.Minute
	}
	if t.PhantomConfirmations == 0 {
		t.PhantomConfirmations = 2
	}
	if t.LiquidationDelay == 0 {
		t.LiquidationDelay = 2 * time.Second
	}
	if t.MaxCandidates == 0 {
		t.MaxCandidates = 20
	}

	b := &cfg.Broker
	if b.Timeout == 0 {
		b.Timeout = 10 * time.Second
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = 3
	}
	if b.BaseDelay == 0 {
		b.BaseDelay = 500 * time.Millisecond
	}
	if b.RatePerSec == 0 {
		b.RatePerSec = 3
	}
	if b.Burst == 0 {
		b.Burst = 5
	}
}
