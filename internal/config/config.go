// Package config loads the service configuration from YAML. Values may
// reference environment variables with ${VAR} syntax; expansion happens
// before parsing so secrets stay out of config files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Vault     VaultConfig               `yaml:"vault"`
	Engine    EngineConfig              `yaml:"engine"`
	Approvals ApprovalsConfig           `yaml:"approvals"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Logging   LoggingConfig             `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type VaultConfig struct {
	// MasterKeyEnv names the environment variable holding the hex-encoded
	// 32-byte master key. The key itself never appears in config files.
	MasterKeyEnv string `yaml:"master_key_env"`
}

type EngineConfig struct {
	MaxIterations   int  `yaml:"max_iterations"`
	MaxTokens       int  `yaml:"max_tokens"`
	RelayRawResults bool `yaml:"relay_raw_results"`
}

type ApprovalsConfig struct {
	// PendingTTL is how long an action may await approval before the
	// sweeper expires it.
	PendingTTL    time.Duration `yaml:"pending_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type ProviderConfig struct {
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "strand.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 1
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 5 * time.Second
	}
	if cfg.Vault.MasterKeyEnv == "" {
		cfg.Vault.MasterKeyEnv = "STRAND_MASTER_KEY"
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 10
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 4096
	}
	if cfg.Approvals.PendingTTL == 0 {
		cfg.Approvals.PendingTTL = 24 * time.Hour
	}
	if cfg.Approvals.SweepSchedule == "" {
		cfg.Approvals.SweepSchedule = "@every 5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Approvals.PendingTTL < time.Minute {
		return fmt.Errorf("approvals.pending_ttl must be at least one minute, got %s", c.Approvals.PendingTTL)
	}
	return nil
}
