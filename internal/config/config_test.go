package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldproof/fieldproof/internal/conflict"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// An empty file yields every default.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DBPath == "" {
		t.Error("DBPath default missing")
	}
	if cfg.RemoteTimeout != 30*time.Second {
		t.Errorf("RemoteTimeout = %v, want 30s", cfg.RemoteTimeout)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.PassBudget != 10 {
		t.Errorf("PassBudget = %d, want 10", cfg.PassBudget)
	}
	if cfg.BackoffBase != 2*time.Second {
		t.Errorf("BackoffBase = %v, want 2s", cfg.BackoffBase)
	}
	if cfg.Strategy() != conflict.StrategyTimestamp {
		t.Errorf("Strategy() = %q, want timestamp", cfg.Strategy())
	}
	if cfg.PurgeAfter != 72*time.Hour {
		t.Errorf("PurgeAfter = %v, want 72h", cfg.PurgeAfter)
	}
	if cfg.MonitorEnabled {
		t.Error("MonitorEnabled default should be off")
	}
	if cfg.MonitorPort != 7317 {
		t.Errorf("MonitorPort = %d, want 7317", cfg.MonitorPort)
	}
}

// File values override the defaults.
func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/fp-test.db
remote_base_url: https://sync.example.com
sync_interval: 5m
pass_budget: 3
conflict_strategy: merge
monitor_enabled: true
monitor_port: 9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DBPath != "/tmp/fp-test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RemoteBaseURL != "https://sync.example.com" {
		t.Errorf("RemoteBaseURL = %q", cfg.RemoteBaseURL)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", cfg.SyncInterval)
	}
	if cfg.PassBudget != 3 {
		t.Errorf("PassBudget = %d, want 3", cfg.PassBudget)
	}
	if cfg.Strategy() != conflict.StrategyMerge {
		t.Errorf("Strategy() = %q, want merge", cfg.Strategy())
	}
	if !cfg.MonitorEnabled || cfg.MonitorPort != 9000 {
		t.Errorf("monitor = %v/%d, want on/9000", cfg.MonitorEnabled, cfg.MonitorPort)
	}
}

// FIELDPROOF_* environment variables override file values.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FIELDPROOF_PASS_BUDGET", "25")
	t.Setenv("FIELDPROOF_CONFLICT_STRATEGY", "manual")

	cfg, err := Load(writeConfig(t, "pass_budget: 3\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.PassBudget != 25 {
		t.Errorf("PassBudget = %d, want env override 25", cfg.PassBudget)
	}
	if cfg.Strategy() != conflict.StrategyManual {
		t.Errorf("Strategy() = %q, want manual", cfg.Strategy())
	}
}

// An explicitly named file must exist.
func TestLoad_ExplicitMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

// Malformed YAML is an error even at the default path semantics.
func TestLoad_Malformed(t *testing.T) {
	if _, err := Load(writeConfig(t, "pass_budget: [broken")); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

// Validate rejects bad enums and ranges.
func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DBPath:           "/tmp/fp.db",
			PassBudget:       10,
			ConflictStrategy: string(conflict.StrategyTimestamp),
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.DBPath = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for empty db_path")
	}

	c = base()
	c.PassBudget = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero pass_budget")
	}

	c = base()
	c.ConflictStrategy = "newest"
	if err := c.Validate(); err == nil {
		t.Error("expected error for unknown conflict_strategy")
	}

	c = base()
	c.MonitorEnabled = true
	c.MonitorPort = 70000
	if err := c.Validate(); err == nil {
		t.Error("expected error for out-of-range monitor_port")
	}
}
