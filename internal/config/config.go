// Package config manages albatrossctl configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// Config holds the albatrossctl configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
}

// ServerConfig holds injection server settings
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	RootPath      string        `mapstructure:"root_path"`
	PollAttempts  int           `mapstructure:"poll_attempts"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	// Reconnects is how many times the watchdog redials a dropped server.
	Reconnects int `mapstructure:"reconnects"`
}

// DatabaseConfig holds local storage settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig toggles span export
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RuntimeConfig describes the host runtime
type RuntimeConfig struct {
	SDK int `mapstructure:"sdk"`
}

// Dir returns the albatrossctl home directory
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), ".albatross")
}

// Load loads configuration from file or defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from the default locations
// when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.albatross")
		v.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. ALBATROSS_SERVER_ADDRESS
	v.SetEnvPrefix("ALBATROSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", model.DefaultServerAddr)
	v.SetDefault("server.root_path", "")
	v.SetDefault("server.poll_attempts", lifecycle.DefaultPollAttempts)
	v.SetDefault("server.poll_interval", lifecycle.DefaultPollInterval)
	v.SetDefault("server.dial_timeout", 3*time.Second)
	v.SetDefault("server.call_timeout", 30*time.Second)
	v.SetDefault("server.watch_interval", time.Duration(0))
	v.SetDefault("server.reconnects", 0)
	v.SetDefault("database.path", filepath.Join(Dir(), "albatross.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("runtime.sdk", 30)

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.PollAttempts < 1 {
		return fmt.Errorf("server.poll_attempts must be at least 1, got %d", c.Server.PollAttempts)
	}
	if c.Server.PollInterval <= 0 {
		return fmt.Errorf("server.poll_interval must be positive")
	}
	if c.Server.WatchInterval < 0 {
		return fmt.Errorf("server.watch_interval must not be negative")
	}
	if c.Server.Reconnects < 0 {
		return fmt.Errorf("server.reconnects must not be negative, got %d", c.Server.Reconnects)
	}
	return nil
}

// EnsureDir ensures the ~/.albatross directory exists
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0755)
}
