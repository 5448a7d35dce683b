// Package config loads tool configuration from an optional YAML file and
// the environment using Viper. Environment variables (FIELDPROOF_*)
// override file values; flags override both at the command layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldproof/fieldproof/internal/conflict"
)

// Config holds everything the CLI and daemon need.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`
	// SpoolDir is where capture tooling drops task sidecar files.
	SpoolDir string `mapstructure:"spool_dir"`
	// LogFile receives daemon logs; empty means stderr only.
	LogFile string `mapstructure:"log_file"`

	// RemoteBaseURL is the sync backend, e.g. https://sync.example.com.
	RemoteBaseURL string `mapstructure:"remote_base_url"`
	// RemoteTimeout bounds each backend request.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// QueryTimeout bounds local database statements.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// SyncInterval is how often the daemon triggers a pass.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// PassBudget caps tasks per pass.
	PassBudget int `mapstructure:"pass_budget"`
	// BackoffBase seeds the retry delay between task attempts.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// ConflictStrategy is timestamp, merge, or manual.
	ConflictStrategy string `mapstructure:"conflict_strategy"`
	// PurgeAfter is how long completed tasks are kept.
	PurgeAfter time.Duration `mapstructure:"purge_after"`

	// MonitorEnabled turns the local WebSocket feed on.
	MonitorEnabled bool `mapstructure:"monitor_enabled"`
	// MonitorPort is the feed's localhost port.
	MonitorPort int `mapstructure:"monitor_port"`
}

// DefaultDir returns the per-user data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldproof"
	}
	return filepath.Join(home, ".fieldproof")
}

// Load reads path (or <DefaultDir>/config.yaml when path is empty), applies
// environment overrides, and validates. A missing config file is fine; a
// malformed one is not.
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FIELDPROOF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dir := DefaultDir()
	v.SetDefault("db_path", filepath.Join(dir, "fieldproof.db"))
	v.SetDefault("spool_dir", filepath.Join(dir, "spool"))
	v.SetDefault("log_file", "")
	v.SetDefault("remote_base_url", "")
	v.SetDefault("remote_timeout", 30*time.Second)
	v.SetDefault("query_timeout", 10*time.Second)
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("pass_budget", 10)
	v.SetDefault("backoff_base", 2*time.Second)
	v.SetDefault("conflict_strategy", string(conflict.StrategyTimestamp))
	v.SetDefault("purge_after", 72*time.Hour)
	v.SetDefault("monitor_enabled", false)
	v.SetDefault("monitor_port", 7317)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path must be set")
	}
	if c.PassBudget < 1 {
		return fmt.Errorf("config: pass_budget must be at least 1 (got %d)", c.PassBudget)
	}
	if !conflict.Strategy(c.ConflictStrategy).Valid() {
		return fmt.Errorf("config: unknown conflict_strategy %q", c.ConflictStrategy)
	}
	if c.MonitorEnabled && (c.MonitorPort < 1 || c.MonitorPort > 65535) {
		return fmt.Errorf("config: monitor_port %d out of range", c.MonitorPort)
	}
	return nil
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	return conflict.Strategy(c.ConflictStrategy)
}
