// Package config loads the reward engine configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	HTTP       HTTP       `yaml:"http"`
	Store      Store      `yaml:"store"`
	Rewards    Rewards    `yaml:"rewards"`
	Settlement Settlement `yaml:"settlement"`
	Sync       Sync       `yaml:"sync"`
	Chain      Chain      `yaml:"chain"`
	Logging    Logging    `yaml:"logging"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
	// RatePerSecond and RateBurst bound requests per caller. Zero disables
	// rate limiting.
	RatePerSecond int `yaml:"rate_per_second"`
	RateBurst     int `yaml:"rate_burst"`
}

type Store struct {
	// Driver selects the persistence backend: "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Rewards struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
	// Rates maps item type to base reward. Empty entries fall back to the
	// built-in defaults.
	Rates map[string]float64 `yaml:"rates"`
}

type Settlement struct {
	// Schedule is a cron spec or @every duration for the poller.
	Schedule       string        `yaml:"schedule"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type Sync struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

type Chain struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		HTTP:  HTTP{Addr: ":8080", RatePerSecond: 20, RateBurst: 40},
		Store: Store{Driver: "memory"},
		Rewards: Rewards{
			Min: 0.01,
			Max: 5.0,
		},
		Settlement: Settlement{
			Schedule:       "@every 30s",
			MaxAttempts:    3,
			ConfirmTimeout: 2 * time.Minute,
		},
		Sync: Sync{
			BatchSize: 50,
			Interval:  time.Minute,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path (when path is non-empty), applies
// environment overrides, and normalises the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTP.Addr, "REWARD_HTTP_ADDR")
	setString(&c.Store.Driver, "REWARD_STORE_DRIVER")
	setString(&c.Store.DSN, "REWARD_STORE_DSN")
	setString(&c.Settlement.Schedule, "REWARD_SETTLEMENT_SCHEDULE")
	setInt(&c.Settlement.MaxAttempts, "REWARD_SETTLEMENT_MAX_ATTEMPTS")
	setDuration(&c.Settlement.ConfirmTimeout, "REWARD_SETTLEMENT_CONFIRM_TIMEOUT")
	setInt(&c.Sync.BatchSize, "REWARD_SYNC_BATCH_SIZE")
	setDuration(&c.Sync.Interval, "REWARD_SYNC_INTERVAL")
	setString(&c.Chain.Endpoint, "REWARD_CHAIN_ENDPOINT")
	setString(&c.Chain.APIKey, "REWARD_CHAIN_API_KEY")
	setString(&c.Logging.Level, "REWARD_LOG_LEVEL")
	setString(&c.Logging.Format, "REWARD_LOG_FORMAT")
}

// Normalize fills gaps with defaults so callers never see zero knobs.
func (c *Config) Normalize() {
	def := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Rewards.Min <= 0 {
		c.Rewards.Min = def.Rewards.Min
	}
	if c.Rewards.Max <= 0 {
		c.Rewards.Max = def.Rewards.Max
	}
	if c.Settlement.Schedule == "" {
		c.Settlement.Schedule = def.Settlement.Schedule
	}
	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = def.Settlement.MaxAttempts
	}
	if c.Settlement.ConfirmTimeout <= 0 {
		c.Settlement.ConfirmTimeout = def.Settlement.ConfirmTimeout
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate rejects configurations that cannot be started.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Rewards.Min > c.Rewards.Max {
		return fmt.Errorf("rewards.min %v exceeds rewards.max %v", c.Rewards.Min, c.Rewards.Max)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
