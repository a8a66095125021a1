// Package config loads config.yaml from the devpilot home directory and
// applies defaults for everything left unset.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig configures the OTel provider.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is "stdout" or "otlp-http".
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// RetentionConfig controls the terminal-task sweeper.
type RetentionConfig struct {
	// Days keeps terminal task rows this long. 0 keeps forever (sweeper
	// disabled).
	Days int `yaml:"days"`

	// SweepCron is a standard cron expression.
	SweepCron string `yaml:"sweep_cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	HistoryCap          int `yaml:"history_cap"`
	ActiveWindowMinutes int `yaml:"active_window_minutes"`
	RetryDelaySeconds   int `yaml:"retry_delay_seconds"`

	// CollisionPolicy resolves duplicate plugin method names: "last_wins"
	// or "error".
	CollisionPolicy string `yaml:"collision_policy"`

	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		HistoryCap:          1000,
		ActiveWindowMinutes: 5,
		RetryDelaySeconds:   3,
		CollisionPolicy:     "last_wins",
		Retention: RetentionConfig{
			Days:      7,
			SweepCron: "*/10 * * * *",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// HomeDir resolves the devpilot home directory, honoring $DEVPILOT_HOME.
func HomeDir() string {
	if override := os.Getenv("DEVPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".devpilot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml under homeDir, creating the directory when
// missing. An absent file yields pure defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create devpilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 1000
	}
	if cfg.ActiveWindowMinutes <= 0 {
		cfg.ActiveWindowMinutes = 5
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = 3
	}
	if cfg.CollisionPolicy == "" {
		cfg.CollisionPolicy = "last_wins"
	}
	if cfg.Retention.Days < 0 {
		cfg.Retention.Days = 0
	}
	if cfg.Retention.SweepCron == "" {
		cfg.Retention.SweepCron = "*/10 * * * *"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
}

// RetryDelay returns the page reconnect delay as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// RetentionMaxAge returns the terminal-task retention window, 0 when
// retention is disabled.
func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the active config for status output.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|cap=%d|window=%d|retry=%d|policy=%s|retention=%d/%s|origins=%v",
		c.BindAddr, c.LogLevel, c.HistoryCap, c.ActiveWindowMinutes, c.RetryDelaySeconds,
		c.CollisionPolicy, c.Retention.Days, c.Retention.SweepCron, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
