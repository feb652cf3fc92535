package banext

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config as written on disk. Pointer fields distinguish
// "not set" from zero so defaults survive partial files.
type fileConfig struct {
	SingleBanPeriodSec    *int             `toml:"single_ban_period_seconds" yaml:"single_ban_period_seconds" comment:"Length of the first ban in seconds."`
	BanPeriodMultiplier   *float64         `toml:"ban_period_multiplier" yaml:"ban_period_multiplier" comment:"Each repeat ban lasts this many times longer than the previous one."`
	MaxConnectionAttempts *int             `toml:"max_connection_attempts" yaml:"max_connection_attempts" comment:"Connection attempts allowed per address or identity in one window (0 disables)."`
	ConnectionWindowSec   *int             `toml:"connection_window_seconds" yaml:"connection_window_seconds"`
	MaxFailures           *int             `toml:"max_failures" yaml:"max_failures" comment:"Message failures allowed per connection (0 disables)."`
	FailureWindowSec      *int             `toml:"failure_window_seconds" yaml:"failure_window_seconds" comment:"0 counts failures for the whole life of a connection."`
	FlushIntervalSec      *int             `toml:"flush_interval_seconds" yaml:"flush_interval_seconds"`
	MaxTrackedKeys        *int             `toml:"max_tracked_keys" yaml:"max_tracked_keys"`
	StoreRetryAttempts    *int             `toml:"store_retry_attempts" yaml:"store_retry_attempts"`
	StoreRetryBackoffMs   *int             `toml:"store_retry_backoff_ms" yaml:"store_retry_backoff_ms"`
	StoreTimeoutMs        *int             `toml:"store_timeout_ms" yaml:"store_timeout_ms"`
	Store                 *storeFileConfig `toml:"store" yaml:"store"`
}

type storeFileConfig struct {
	Backend   string `toml:"backend" yaml:"backend" comment:"memory, sqlite, json or redis"`
	Path      string `toml:"path" yaml:"path"`
	RedisAddr string `toml:"redis_addr" yaml:"redis_addr"`
	RedisKey  string `toml:"redis_key" yaml:"redis_key"`
}

// LoadConfig reads path over DefaultConfig and validates the result. Files
// ending in .yaml or .yml are parsed as YAML, everything else as TOML. A
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	fc, ok, err := loadConfigFile(path)
	if err != nil {
		return cfg, err
	}
	if ok {
		applyFileConfig(&cfg, *fc)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &fc)
	} else {
		err = toml.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.SingleBanPeriodSec != nil {
		cfg.SingleBanPeriod = time.Duration(*fc.SingleBanPeriodSec) * time.Second
	}
	if fc.BanPeriodMultiplier != nil {
		cfg.BanPeriodMultiplier = *fc.BanPeriodMultiplier
	}
	if fc.MaxConnectionAttempts != nil {
		cfg.MaxConnectionAttempts = *fc.MaxConnectionAttempts
	}
	if fc.ConnectionWindowSec != nil {
		cfg.ConnectionWindow = time.Duration(*fc.ConnectionWindowSec) * time.Second
	}
	if fc.MaxFailures != nil {
		cfg.MaxFailures = *fc.MaxFailures
	}
	if fc.FailureWindowSec != nil {
		cfg.FailureWindow = time.Duration(*fc.FailureWindowSec) * time.Second
	}
	if fc.FlushIntervalSec != nil {
		cfg.FlushInterval = time.Duration(*fc.FlushIntervalSec) * time.Second
	}
	if fc.MaxTrackedKeys != nil {
		cfg.MaxTrackedKeys = *fc.MaxTrackedKeys
	}
	if fc.StoreRetryAttempts != nil {
		cfg.StoreRetryAttempts = *fc.StoreRetryAttempts
	}
	if fc.StoreRetryBackoffMs != nil {
		cfg.StoreRetryBackoff = time.Duration(*fc.StoreRetryBackoffMs) * time.Millisecond
	}
	if fc.StoreTimeoutMs != nil {
		cfg.StoreTimeout = time.Duration(*fc.StoreTimeoutMs) * time.Millisecond
	}
	if fc.Store != nil {
		if v := strings.ToLower(strings.TrimSpace(fc.Store.Backend)); v != "" {
			cfg.Store.Backend = v
		}
		if v := strings.TrimSpace(fc.Store.Path); v != "" {
			cfg.Store.Path = v
		}
		if v := strings.TrimSpace(fc.Store.RedisAddr); v != "" {
			cfg.Store.RedisAddr = v
		}
		if v := strings.TrimSpace(fc.Store.RedisKey); v != "" {
			cfg.Store.RedisKey = v
		}
	}
}

func buildFileConfig(cfg Config) fileConfig {
	intPtr := func(v int) *int { return &v }
	floatPtr := func(v float64) *float64 { return &v }
	return fileConfig{
		SingleBanPeriodSec:    intPtr(int(cfg.SingleBanPeriod / time.Second)),
		BanPeriodMultiplier:   floatPtr(cfg.BanPeriodMultiplier),
		MaxConnectionAttempts: intPtr(cfg.MaxConnectionAttempts),
		ConnectionWindowSec:   intPtr(int(cfg.ConnectionWindow / time.Second)),
		MaxFailures:           intPtr(cfg.MaxFailures),
		FailureWindowSec:      intPtr(int(cfg.FailureWindow / time.Second)),
		FlushIntervalSec:      intPtr(int(cfg.FlushInterval / time.Second)),
		MaxTrackedKeys:        intPtr(cfg.MaxTrackedKeys),
		StoreRetryAttempts:    intPtr(cfg.StoreRetryAttempts),
		StoreRetryBackoffMs:   intPtr(int(cfg.StoreRetryBackoff / time.Millisecond)),
		StoreTimeoutMs:        intPtr(int(cfg.StoreTimeout / time.Millisecond)),
		Store: &storeFileConfig{
			Backend:   cfg.Store.Backend,
			Path:      cfg.Store.Path,
			RedisAddr: cfg.Store.RedisAddr,
			RedisKey:  cfg.Store.RedisKey,
		},
	}
}
