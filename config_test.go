package banext

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SingleBanPeriod != time.Hour || cfg.BanPeriodMultiplier != 2 {
		t.Fatalf("unexpected ban defaults %+v", cfg.BanPolicy())
	}
	if cfg.MaxConnectionAttempts != 999 || cfg.MaxFailures != 999 {
		t.Fatalf("unexpected threshold defaults: %d/%d", cfg.MaxConnectionAttempts, cfg.MaxFailures)
	}
}

func TestLoadConfigTOMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.toml")
	data := `
single_ban_period_seconds = 120
ban_period_multiplier = 3.0
max_connection_attempts = 50
failure_window_seconds = 30
store_retry_backoff_ms = 50

[store]
backend = "SQLite"
path = "/var/lib/banext/bans.db"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SingleBanPeriod != 2*time.Minute {
		t.Fatalf("expected 2m ban period, got %s", cfg.SingleBanPeriod)
	}
	if cfg.BanPeriodMultiplier != 3 {
		t.Fatalf("expected multiplier 3, got %v", cfg.BanPeriodMultiplier)
	}
	if cfg.MaxConnectionAttempts != 50 {
		t.Fatalf("expected 50 attempts, got %d", cfg.MaxConnectionAttempts)
	}
	if cfg.FailureWindow != 30*time.Second {
		t.Fatalf("expected 30s failure window, got %s", cfg.FailureWindow)
	}
	if cfg.StoreRetryBackoff != 50*time.Millisecond {
		t.Fatalf("expected 50ms backoff, got %s", cfg.StoreRetryBackoff)
	}
	if cfg.MaxFailures != defaultMaxFailures {
		t.Fatalf("unset keys must keep defaults, got max_failures=%d", cfg.MaxFailures)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/var/lib/banext/bans.db" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.yaml")
	data := "max_failures: 7\nstore:\n  backend: redis\n  redis_addr: 127.0.0.1:6379\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxFailures != 7 {
		t.Fatalf("expected max_failures 7, got %d", cfg.MaxFailures)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Store.RedisKey != defaultRedisBanKey {
		t.Fatalf("expected default redis key, got %q", cfg.Store.RedisKey)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.FlushInterval != defaultFlushInterval {
		t.Fatalf("expected default flush interval, got %s", cfg.FlushInterval)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"multiplier":   "ban_period_multiplier = 0.5\n",
		"ban period":   "single_ban_period_seconds = 0\n",
		"negative max": "max_failures = -1\n",
		"flush":        "flush_interval_seconds = 0\n",
		"backend":      "[store]\nbackend = \"etcd\"\n",
		"sqlite path":  "[store]\nbackend = \"sqlite\"\n",
		"redis addr":   "[store]\nbackend = \"redis\"\n",
		"parse error":  "max_failures = \n",
	}
	for name, data := range cases {
		path := filepath.Join(t.TempDir(), "bans.toml")
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("%s: write config: %v", name, err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWriteExampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples", "bans.toml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Generated") {
		t.Fatalf("expected generated header, got %q", string(data[:20]))
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig(example): %v", err)
	}
	want := DefaultConfig()
	if cfg.SingleBanPeriod != want.SingleBanPeriod || cfg.MaxConnectionAttempts != want.MaxConnectionAttempts ||
		cfg.StoreTimeout != want.StoreTimeout || cfg.Store.Backend != want.Store.Backend {
		t.Fatalf("example config does not reproduce defaults: %+v", cfg)
	}
}
