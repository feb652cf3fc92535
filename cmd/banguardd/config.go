package main

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

const (
	defaultListenAddr   = ":8088"
	defaultMaxConns     = 10000
	defaultHelloTimeout = 10 * time.Second
	defaultReadTimeout  = 5 * time.Minute
	defaultDrainTimeout = 10 * time.Second
	defaultUpgradeRate  = 500
)

// serverConfig is the [server] section of the shared config file. The ban
// settings in the same file are read by banext.LoadConfig.
type serverConfig struct {
	Listen       string
	MaxConns     int
	JWTSecret    string
	HelloTimeout time.Duration
	ReadTimeout  time.Duration
	UpgradeRate  int
	UpgradeBurst int
	LogPath      string
	ErrorLogPath string
	LogLevel     string
}

type serverFile struct {
	Server *serverFileSection `toml:"server" yaml:"server"`
}

type serverFileSection struct {
	Listen          string `toml:"listen" yaml:"listen"`
	MaxConns        *int   `toml:"max_conns" yaml:"max_conns"`
	JWTSecret       string `toml:"jwt_secret" yaml:"jwt_secret"`
	HelloTimeoutSec *int   `toml:"hello_timeout_seconds" yaml:"hello_timeout_seconds"`
	ReadTimeoutSec  *int   `toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	UpgradeRate     *int   `toml:"max_upgrades_per_second" yaml:"max_upgrades_per_second"`
	UpgradeBurst    *int   `toml:"upgrade_burst" yaml:"upgrade_burst"`
	LogPath         string `toml:"log_path" yaml:"log_path"`
	ErrorLogPath    string `toml:"error_log_path" yaml:"error_log_path"`
	LogLevel        string `toml:"log_level" yaml:"log_level"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen:       defaultListenAddr,
		MaxConns:     defaultMaxConns,
		HelloTimeout: defaultHelloTimeout,
		ReadTimeout:  defaultReadTimeout,
		UpgradeRate:  defaultUpgradeRate,
		LogLevel:     "info",
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	var sf serverFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &sf)
	default:
		err = toml.Unmarshal(data, &sf)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.Server != nil {
		applyServerSection(&cfg, *sf.Server)
	}
	if err := validateServerConfig(cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func applyServerSection(cfg *serverConfig, s serverFileSection) {
	if v := strings.TrimSpace(s.Listen); v != "" {
		// Be forgiving: a bare port like "8088" means ":8088".
		if !strings.Contains(v, ":") {
			v = ":" + v
		}
		cfg.Listen = v
	}
	if s.MaxConns != nil {
		cfg.MaxConns = *s.MaxConns
	}
	if s.JWTSecret != "" {
		cfg.JWTSecret = s.JWTSecret
	}
	if s.HelloTimeoutSec != nil {
		cfg.HelloTimeout = time.Duration(*s.HelloTimeoutSec) * time.Second
	}
	if s.ReadTimeoutSec != nil {
		cfg.ReadTimeout = time.Duration(*s.ReadTimeoutSec) * time.Second
	}
	if s.UpgradeRate != nil {
		cfg.UpgradeRate = *s.UpgradeRate
	}
	if s.UpgradeBurst != nil {
		cfg.UpgradeBurst = *s.UpgradeBurst
	}
	if s.LogPath != "" {
		cfg.LogPath = s.LogPath
	}
	if s.ErrorLogPath != "" {
		cfg.ErrorLogPath = s.ErrorLogPath
	}
	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
}

func validateServerConfig(cfg serverConfig) error {
	if cfg.MaxConns <= 0 {
		return fmt.Errorf("server.max_conns must be > 0, got %d", cfg.MaxConns)
	}
	if cfg.HelloTimeout <= 0 {
		return fmt.Errorf("server.hello_timeout_seconds must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout_seconds must be > 0")
	}
	if cfg.UpgradeBurst < 0 {
		return fmt.Errorf("server.upgrade_burst must be >= 0, got %d", cfg.UpgradeBurst)
	}
	return nil
}
