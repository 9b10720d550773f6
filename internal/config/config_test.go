package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9999\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("explicit value lost: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("metrics port default missing: %d", cfg.Server.MetricsPort)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "strand.db" {
		t.Errorf("database defaults missing: %+v", cfg.Database)
	}
	if cfg.Engine.MaxIterations != 10 || cfg.Engine.MaxTokens != 4096 {
		t.Errorf("engine defaults missing: %+v", cfg.Engine)
	}
	if cfg.Approvals.PendingTTL != 24*time.Hour {
		t.Errorf("approvals TTL default missing: %s", cfg.Approvals.PendingTTL)
	}
	if cfg.Vault.MasterKeyEnv != "STRAND_MASTER_KEY" {
		t.Errorf("vault default missing: %q", cfg.Vault.MasterKeyEnv)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/data/strand.db")
	path := writeConfig(t, "database:\n  path: ${TEST_DB_PATH}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/data/strand.db" {
		t.Errorf("env expansion failed: %q", cfg.Database.Path)
	}
}

func TestLoadProviders(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    default_model: claude-sonnet-4-20250514
  openai:
    default_model: gpt-4o
    base_url: https://proxy.internal/v1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["anthropic"].DefaultModel == "" {
		t.Error("anthropic provider config missing")
	}
	if cfg.Providers["openai"].BaseURL != "https://proxy.internal/v1" {
		t.Errorf("openai base url wrong: %q", cfg.Providers["openai"].BaseURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative iterations", func(c *Config) { c.Engine.MaxIterations = -1 }},
		{"tiny ttl", func(c *Config) { c.Approvals.PendingTTL = time.Second }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
