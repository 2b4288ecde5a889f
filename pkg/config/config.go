package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// Config holds all quizcraft configuration.
type Config struct {
	DBPath      string        `yaml:"db_path" toml:"db_path"`
	Remote      RemoteConfig  `yaml:"remote" toml:"remote"`
	Cache       CacheConfig   `yaml:"cache" toml:"cache"`
	Retry       RetryConfig   `yaml:"retry" toml:"retry"`
	Budget      BudgetConfig  `yaml:"budget" toml:"budget"`
	Spend       SpendConfig   `yaml:"spend" toml:"spend"`
	Log         LogConfig     `yaml:"log" toml:"log"`
	Metrics     MetricsConfig `yaml:"metrics" toml:"metrics"`
	CallTimeout time.Duration `yaml:"call_timeout" toml:"call_timeout"`
}

// RemoteConfig defines the text-generation service.
type RemoteConfig struct {
	URL              string        `yaml:"url" toml:"url"`
	APIKey           string        `yaml:"api_key" toml:"api_key"`
	Model            string        `yaml:"model" toml:"model"`
	AnthropicVersion string        `yaml:"anthropic_version" toml:"anthropic_version"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	CapacityBytes int64  `yaml:"capacity_bytes" toml:"capacity_bytes"`
	TTLSeconds    int64  `yaml:"ttl_seconds" toml:"ttl_seconds"`
	MaxEntries    int64  `yaml:"max_entries" toml:"max_entries"`
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`
}

// RetryConfig controls the retrying client.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMS    int     `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction" toml:"jitter_fraction"`
	RepairPasses   int     `yaml:"repair_passes" toml:"repair_passes"`
}

// BudgetConfig bounds the estimated size of each request.
type BudgetConfig struct {
	MaxInputUnits  int `yaml:"max_input_units" toml:"max_input_units"`
	MaxOutputUnits int `yaml:"max_output_units" toml:"max_output_units"`
}

// SpendConfig controls per-period caps on billed units.
type SpendConfig struct {
	Enabled  bool                 `yaml:"enabled" toml:"enabled"`
	Policies []models.SpendPolicy `yaml:"policies" toml:"policies"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig controls metric export. An empty Textfile disables export.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" toml:"namespace"`
	Textfile  string `yaml:"textfile" toml:"textfile"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: ".cache/quizcraft.db",
		Remote: RemoteConfig{
			URL:              "https://api.anthropic.com",
			Model:            "claude-3-haiku-20240307",
			AnthropicVersion: "2023-06-01",
			Timeout:          90 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			CapacityBytes: 100 << 20,
			TTLSeconds:    7 * 24 * 60 * 60,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelayMS:    1000,
			MaxDelayMS:     30000,
			JitterFraction: 0.1,
			RepairPasses:   2,
		},
		Budget: BudgetConfig{
			MaxInputUnits:  100000,
			MaxOutputUnits: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "quizcraft",
		},
		CallTimeout: 2 * time.Minute,
	}
}

// Load reads a YAML or TOML config file, chosen by extension, and expands
// environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Cache.CapacityBytes < 0 {
		errs = append(errs, errors.New("cache.capacity_bytes must be >= 0"))
	}
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, errors.New("cache.ttl_seconds must be >= 0"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must be >= 0"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		errs = append(errs, errors.New("retry delays must be >= 0"))
	}
	if c.Retry.MaxDelayMS > 0 && c.Retry.BaseDelayMS > c.Retry.MaxDelayMS {
		errs = append(errs, errors.New("retry.base_delay_ms must not exceed retry.max_delay_ms"))
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, errors.New("retry.jitter_fraction must be in [0, 1)"))
	}
	if c.Retry.RepairPasses < 0 {
		errs = append(errs, errors.New("retry.repair_passes must be >= 0"))
	}
	if c.Budget.MaxInputUnits <= 0 || c.Budget.MaxOutputUnits <= 0 {
		errs = append(errs, errors.New("budget units must be > 0"))
	}
	for i, p := range c.Spend.Policies {
		if p.MaxUnits <= 0 {
			errs = append(errs, fmt.Errorf("spend.policies[%d].max_units must be > 0", i))
		}
		switch p.Period {
		case models.SpendDaily, models.SpendMonthly:
		default:
			errs = append(errs, fmt.Errorf("spend.policies[%d].period %q must be daily or monthly", i, p.Period))
		}
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TTL returns the cache entry lifetime.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		JitterFraction: c.Retry.JitterFraction,
		RepairPasses:   c.Retry.RepairPasses,
	}
}

// TokenBudget converts the budget section.
func (c *Config) TokenBudget() models.TokenBudget {
	return models.TokenBudget{
		MaxInputUnits:  c.Budget.MaxInputUnits,
		MaxOutputUnits: c.Budget.MaxOutputUnits,
	}
}
