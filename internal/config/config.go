package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.knot/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// UserID is the local participant identity used for deletion visibility
	// and read receipts.
	UserID string `toml:"user_id"`

	// RemoteURI is the connection string for the remote document store.
	RemoteURI string `toml:"remote_uri"`
	// RemoteDatabase is the database name within the remote store.
	RemoteDatabase string `toml:"remote_database"`

	Sync  SyncConfig  `toml:"sync"`
	Send  SendConfig  `toml:"send"`
	Cache CacheConfig `toml:"cache"`
}

// SyncConfig tunes the background reconciliation scheduler and pagination.
type SyncConfig struct {
	ForegroundIntervalSec int `toml:"foreground_interval_sec"`
	BackgroundIntervalSec int `toml:"background_interval_sec"`
	PassBudgetSec         int `toml:"pass_budget_sec"`
	PageSize              int `toml:"page_size"`
	LoadOlderCooldownMs   int `toml:"load_older_cooldown_ms"`
	WindowCeiling         int `toml:"window_ceiling"`
}

// SendConfig tunes the outbox dispatcher.
type SendConfig struct {
	TimeoutSec      int `toml:"timeout_sec"`       // fresh user-initiated sends
	RetryTimeoutSec int `toml:"retry_timeout_sec"` // automatic background retries
	RetryCap        int `toml:"retry_cap"`
	DrainIntervalMs int `toml:"drain_interval_ms"`
}

// CacheConfig tunes the buffered cache store.
type CacheConfig struct {
	QuiescenceMs int `toml:"quiescence_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		RemoteDatabase: "knot",
		Sync: SyncConfig{
			ForegroundIntervalSec: 30,
			BackgroundIntervalSec: 60,
			PassBudgetSec:         10,
			PageSize:              50,
			LoadOlderCooldownMs:   2000,
			WindowCeiling:         200,
		},
		Send: SendConfig{
			TimeoutSec:      10,
			RetryTimeoutSec: 5,
			RetryCap:        3,
			DrainIntervalMs: 500,
		},
		Cache: CacheConfig{
			QuiescenceMs: 500,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns defaults and the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return Default(), err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Sync.ForegroundIntervalSec <= 0 {
		c.Sync.ForegroundIntervalSec = d.Sync.ForegroundIntervalSec
	}
	if c.Sync.BackgroundIntervalSec <= 0 {
		c.Sync.BackgroundIntervalSec = d.Sync.BackgroundIntervalSec
	}
	if c.Sync.PassBudgetSec <= 0 {
		c.Sync.PassBudgetSec = d.Sync.PassBudgetSec
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = d.Sync.PageSize
	}
	if c.Sync.LoadOlderCooldownMs <= 0 {
		c.Sync.LoadOlderCooldownMs = d.Sync.LoadOlderCooldownMs
	}
	if c.Sync.WindowCeiling <= 0 {
		c.Sync.WindowCeiling = d.Sync.WindowCeiling
	}
	if c.Send.TimeoutSec <= 0 {
		c.Send.TimeoutSec = d.Send.TimeoutSec
	}
	if c.Send.RetryTimeoutSec <= 0 {
		c.Send.RetryTimeoutSec = d.Send.RetryTimeoutSec
	}
	if c.Send.RetryCap <= 0 {
		c.Send.RetryCap = d.Send.RetryCap
	}
	if c.Send.DrainIntervalMs <= 0 {
		c.Send.DrainIntervalMs = d.Send.DrainIntervalMs
	}
	if c.Cache.QuiescenceMs <= 0 {
		c.Cache.QuiescenceMs = d.Cache.QuiescenceMs
	}
}

// Durations derived from the integer fields.

func (s SyncConfig) ForegroundInterval() time.Duration {
	return time.Duration(s.ForegroundIntervalSec) * time.Second
}

func (s SyncConfig) BackgroundInterval() time.Duration {
	return time.Duration(s.BackgroundIntervalSec) * time.Second
}

func (s SyncConfig) PassBudget() time.Duration {
	return time.Duration(s.PassBudgetSec) * time.Second
}

func (s SyncConfig) LoadOlderCooldown() time.Duration {
	return time.Duration(s.LoadOlderCooldownMs) * time.Millisecond
}

func (s SendConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

func (s SendConfig) RetryTimeout() time.Duration {
	return time.Duration(s.RetryTimeoutSec) * time.Second
}

func (s SendConfig) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalMs) * time.Millisecond
}

func (c CacheConfig) Quiescence() time.Duration {
	return time.Duration(c.QuiescenceMs) * time.Millisecond
}
