package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Defaults cover every field so
// the server runs without a config file; YAML overrides defaults and a few
// deployment knobs (PORT, DB_PATH) override YAML from the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Bodyguard BodyguardConfig `yaml:"bodyguard"`
	Budget    BudgetConfig    `yaml:"budget"`
	Execution ExecutionConfig `yaml:"execution"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LedgerConfig struct {
	// ReportingTimezone is the IANA zone used to bucket profit series.
	ReportingTimezone string `yaml:"reporting_timezone"`
}

type BreakerConfig struct {
	MaxBotDrawdownPct  float64       `yaml:"max_bot_drawdown_pct"`
	MaxUserDrawdownPct float64       `yaml:"max_user_drawdown_pct"`
	MaxDailyLossPct    float64       `yaml:"max_daily_loss_pct"`
	ConsecutiveLosses  int           `yaml:"consecutive_losses"`
	ErrorRateThreshold int           `yaml:"error_rate_threshold"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

type BodyguardConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	HysteresisPct float64       `yaml:"hysteresis_pct"`
}

type BudgetConfig struct {
	MinPerBotBudget int           `yaml:"min_per_bot_budget"`
	BurstWindow     time.Duration `yaml:"burst_window"`
}

type ExecutionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// SafetyMarginBps is added on top of venue fees and slippage when
	// the fee-coverage gate weighs an order's expected edge.
	SafetyMarginBps float64 `yaml:"safety_margin_bps"`
	// IdempotencyTTL bounds how long a consumed idempotency key keeps
	// replaying its original result.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", JWTSecret: "botfleet-secret-key"},
		Database: DatabaseConfig{Path: "botfleet.db"},
		Ledger:   LedgerConfig{ReportingTimezone: "UTC"},
		Breaker: BreakerConfig{
			MaxBotDrawdownPct:  20.0,
			MaxUserDrawdownPct: 25.0,
			MaxDailyLossPct:    10.0,
			ConsecutiveLosses:  5,
			ErrorRateThreshold: 10,
			SweepInterval:      time.Minute,
		},
		Bodyguard: BodyguardConfig{
			CheckInterval: 30 * time.Second,
			HysteresisPct: 2.0,
		},
		Budget: BudgetConfig{
			MinPerBotBudget: 10,
			BurstWindow:     10 * time.Second,
		},
		Execution: ExecutionConfig{
			Timeout:         10 * time.Second,
			SafetyMarginBps: 5,
			IdempotencyTTL:  24 * time.Hour,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	return cfg, nil
}

// ReportingLocation resolves the configured reporting timezone, falling back
// to UTC on a bad zone name rather than failing the whole boot.
func (c *Config) ReportingLocation() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.ReportingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
