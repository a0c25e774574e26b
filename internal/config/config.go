// Package config loads driftsync configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftlock/driftsync/internal/schema"
)

// Config holds the full engine configuration.
//
// Values come from an optional YAML config file and DRIFTSYNC_* environment
// overrides. Entity mappings are declared in the file and are immutable for
// the lifetime of a run.
type Config struct {
	// DataDir holds the local database, the offline outbox and logs.
	DataDir string `mapstructure:"data_dir"`

	// RemoteURL is the base URL of the remote side adapter.
	RemoteURL string `mapstructure:"remote_url"`

	// ListenAddr is the operator API listen address. Empty disables it.
	ListenAddr string `mapstructure:"listen_addr"`

	// CycleInterval is how often the orchestrator wakes.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`

	// ProbeTimeout bounds one connectivity check.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// ProbeDebounce is how many consecutive probe failures flip the
	// connectivity state to disconnected.
	ProbeDebounce int `mapstructure:"probe_debounce"`

	// RequestTimeout bounds one extract or apply call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// PageSize caps one extraction batch unless a mapping overrides it.
	PageSize int `mapstructure:"page_size"`

	// HashThreshold is the max collection size for which checksums include
	// a key hash, unless a mapping overrides it.
	HashThreshold int `mapstructure:"hash_threshold"`

	// Concurrency bounds how many entities sync in parallel per cycle.
	Concurrency int `mapstructure:"concurrency"`

	Backoff BackoffConfig `mapstructure:"backoff"`

	// Entities are the synchronized collections.
	Entities []schema.EntityMapping `mapstructure:"entities"`

	// LogFile, when set, routes daemon logs through a rotating file.
	LogFile string `mapstructure:"log_file"`

	// AttemptRetention is how long finished sync attempts are kept.
	AttemptRetention time.Duration `mapstructure:"attempt_retention"`
}

// BackoffConfig tunes the retry policy and circuit breaker.
type BackoffConfig struct {
	Base             time.Duration `mapstructure:"base"`
	Multiplier       float64       `mapstructure:"multiplier"`
	Cap              time.Duration `mapstructure:"cap"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`
}

// Default returns the documented engine defaults.
func Default() *Config {
	return &Config{
		DataDir:        ".driftsync",
		ListenAddr:     "",
		CycleInterval:  5 * time.Minute,
		ProbeTimeout:   5 * time.Second,
		ProbeDebounce:  2,
		RequestTimeout: 30 * time.Second,
		PageSize:       500,
		HashThreshold:  10000,
		Concurrency:    4,
		Backoff: BackoffConfig{
			Base:             60 * time.Second,
			Multiplier:       2.0,
			Cap:              30 * time.Minute,
			BreakerThreshold: 5,
			BreakerInterval:  time.Hour,
		},
		AttemptRetention: 30 * 24 * time.Hour,
	}
}

// Load reads configuration from path (or the default search locations when
// path is empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("driftsync")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/driftsync")
	}

	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("cycle_interval", def.CycleInterval)
	v.SetDefault("probe_timeout", def.ProbeTimeout)
	v.SetDefault("probe_debounce", def.ProbeDebounce)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("hash_threshold", def.HashThreshold)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("backoff.base", def.Backoff.Base)
	v.SetDefault("backoff.multiplier", def.Backoff.Multiplier)
	v.SetDefault("backoff.cap", def.Backoff.Cap)
	v.SetDefault("backoff.breaker_threshold", def.Backoff.BreakerThreshold)
	v.SetDefault("backoff.breaker_interval", def.Backoff.BreakerInterval)
	v.SetDefault("attempt_retention", def.AttemptRetention)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has a default or an
		// env override. A malformed file is not.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and every entity mapping.
// Malformed configuration is fatal, unlike network failures.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle_interval must be positive (got %v)", c.CycleInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive (got %v)", c.ProbeTimeout)
	}
	if c.ProbeDebounce < 1 {
		return fmt.Errorf("probe_debounce must be >= 1 (got %d)", c.ProbeDebounce)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be >= 1 (got %d)", c.PageSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	if c.Backoff.Base <= 0 || c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("backoff base/cap misconfigured (base=%v cap=%v)", c.Backoff.Base, c.Backoff.Cap)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1 (got %v)", c.Backoff.Multiplier)
	}
	if c.Backoff.BreakerThreshold < 1 {
		return fmt.Errorf("backoff breaker_threshold must be >= 1 (got %d)", c.Backoff.BreakerThreshold)
	}

	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		m := &c.Entities[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate entity %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Entity returns the mapping with the given name, or nil.
func (c *Config) Entity(name string) *schema.EntityMapping {
	for i := range c.Entities {
		if c.Entities[i].Name == name {
			return &c.Entities[i]
		}
	}
	return nil
}

// EntityPageSize resolves the page size for a mapping.
func (c *Config) EntityPageSize(m *schema.EntityMapping) int {
	if m.PageSize > 0 {
		return m.PageSize
	}
	return c.PageSize
}

// EntityHashThreshold resolves the checksum hash threshold for a mapping.
func (c *Config) EntityHashThreshold(m *schema.EntityMapping) int {
	if m.HashThreshold > 0 {
		return m.HashThreshold
	}
	return c.HashThreshold
}
