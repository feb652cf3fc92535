package banext

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	defaultSingleBanPeriod       = time.Hour
	defaultBanPeriodMultiplier   = 2.0
	defaultMaxConnectionAttempts = 999
	defaultConnectionWindow      = time.Minute
	defaultMaxFailures           = 999
	// Zero counts a connection's failures for its whole lifetime.
	defaultFailureWindow      = 0
	defaultMaxTrackedKeys     = 100000
	defaultStoreRetryAttempts = 3
	defaultStoreRetryBackoff  = 200 * time.Millisecond
	defaultStoreTimeout       = 5 * time.Second
)

const (
	storeBackendMemory = "memory"
	storeBackendSQLite = "sqlite"
	storeBackendJSON   = "json"
	storeBackendRedis  = "redis"
)

// Config holds the ban and admission settings. Zero thresholds disable the
// matching guard.
type Config struct {
	SingleBanPeriod     time.Duration
	BanPeriodMultiplier float64

	MaxConnectionAttempts int
	ConnectionWindow      time.Duration
	MaxFailures           int
	FailureWindow         time.Duration
	MaxTrackedKeys        int

	FlushInterval      time.Duration
	StoreRetryAttempts int
	StoreRetryBackoff  time.Duration
	StoreTimeout       time.Duration
	Store              StoreConfig
}

// StoreConfig selects the ban record backend. Path is used by the sqlite and
// json backends, RedisAddr and RedisKey by redis.
type StoreConfig struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisKey  string
}

func DefaultConfig() Config {
	return Config{
		SingleBanPeriod:       defaultSingleBanPeriod,
		BanPeriodMultiplier:   defaultBanPeriodMultiplier,
		MaxConnectionAttempts: defaultMaxConnectionAttempts,
		ConnectionWindow:      defaultConnectionWindow,
		MaxFailures:           defaultMaxFailures,
		FailureWindow:         defaultFailureWindow,
		MaxTrackedKeys:        defaultMaxTrackedKeys,
		FlushInterval:         defaultFlushInterval,
		StoreRetryAttempts:    defaultStoreRetryAttempts,
		StoreRetryBackoff:     defaultStoreRetryBackoff,
		StoreTimeout:          defaultStoreTimeout,
		Store: StoreConfig{
			Backend:  storeBackendMemory,
			RedisKey: defaultRedisBanKey,
		},
	}
}

func (cfg Config) BanPolicy() BanPolicy {
	return BanPolicy{
		SingleBanPeriod: cfg.SingleBanPeriod,
		Multiplier:      cfg.BanPeriodMultiplier,
	}
}

// Validate reports the first setting that cannot be used.
func (cfg Config) Validate() error {
	return validateConfig(cfg)
}

func validateConfig(cfg Config) error {
	if cfg.SingleBanPeriod < time.Second {
		return fmt.Errorf("single_ban_period_seconds must be >= 1, got %s", cfg.SingleBanPeriod)
	}
	if math.IsNaN(cfg.BanPeriodMultiplier) || math.IsInf(cfg.BanPeriodMultiplier, 0) || cfg.BanPeriodMultiplier < 1 {
		return fmt.Errorf("ban_period_multiplier must be >= 1, got %v", cfg.BanPeriodMultiplier)
	}
	if cfg.MaxConnectionAttempts < 0 {
		return fmt.Errorf("max_connection_attempts cannot be negative")
	}
	if cfg.MaxConnectionAttempts > 0 && cfg.ConnectionWindow <= 0 {
		return fmt.Errorf("connection_window_seconds must be > 0 when max_connection_attempts is set")
	}
	if cfg.ConnectionWindow < 0 {
		return fmt.Errorf("connection_window_seconds cannot be negative")
	}
	if cfg.MaxFailures < 0 {
		return fmt.Errorf("max_failures cannot be negative")
	}
	if cfg.FailureWindow < 0 {
		return fmt.Errorf("failure_window_seconds cannot be negative")
	}
	if cfg.MaxTrackedKeys < 0 {
		return fmt.Errorf("max_tracked_keys cannot be negative")
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval_seconds must be > 0, got %s", cfg.FlushInterval)
	}
	if cfg.StoreRetryAttempts < 1 {
		return fmt.Errorf("store_retry_attempts must be >= 1, got %d", cfg.StoreRetryAttempts)
	}
	if cfg.StoreRetryBackoff < 0 {
		return fmt.Errorf("store_retry_backoff_ms cannot be negative")
	}
	if cfg.StoreTimeout < 0 {
		return fmt.Errorf("store_timeout_ms cannot be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "", storeBackendMemory:
	case storeBackendSQLite, storeBackendJSON:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the %s backend", cfg.Store.Backend)
		}
	case storeBackendRedis:
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}
	return nil
}
