// Package config loads Torale's runtime configuration from a YAML file
// layered with environment variable overrides, and can hot-reload that
// file while the process runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for a toralectl serve process.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
}

// SecurityConfig holds the key used to encrypt notification channel
// recipient addresses at rest (internal/crypto). Empty leaves rows in
// plain text.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AgentConfig struct {
	URL               string  `yaml:"url"`
	APIKey            string  `yaml:"api_key"`
	DefaultTimeoutSec int     `yaml:"default_timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	UseTLS   bool   `yaml:"use_tls"`
}

type SchedulerConfig struct {
	TickIntervalMs      int `yaml:"tick_interval_ms"`
	BatchLimit          int `yaml:"batch_limit"`
	WorkerPoolSize      int `yaml:"worker_pool_size"`
	RecoveryThresholdMs int `yaml:"recovery_threshold_ms"`
	ShutdownGraceMs     int `yaml:"shutdown_grace_ms"`
}

// RedisConfig is only consulted when HA leader election is enabled; see
// internal/scheduler/leaderlock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	LeaseKey string `yaml:"lease_key"`
	TTLMs    int    `yaml:"ttl_ms"`
}

// Default returns a Config with the same defaults the scheduler and
// agent client packages fall back to on their own, so a Load of a
// partial or missing file still produces a runnable configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DefaultTimeoutSec: 120,
			RequestsPerSecond: 10,
			Burst:             10,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs:      2000,
			BatchLimit:          50,
			WorkerPoolSize:      8,
			RecoveryThresholdMs: int(4 * time.Minute / time.Millisecond),
			ShutdownGraceMs:     10000,
		},
		Redis: RedisConfig{
			LeaseKey: "torale:scheduler:leader",
			TTLMs:    15000,
		},
	}
}

// Load reads path as YAML on top of Default(), then applies environment
// variable overrides (TORALE_DATABASE_DSN, TORALE_AGENT_URL,
// TORALE_AGENT_API_KEY, TORALE_SMTP_HOST, TORALE_SMTP_PORT,
// TORALE_SMTP_USERNAME, TORALE_SMTP_PASSWORD, TORALE_REDIS_ADDR,
// TORALE_ENCRYPTION_KEY). Env vars always win, matching the teacher's
// layering convention of file config as the base and environment as the
// deploy-time override.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TORALE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TORALE_AGENT_URL"); v != "" {
		cfg.Agent.URL = v
	}
	if v := os.Getenv("TORALE_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("TORALE_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("TORALE_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("TORALE_SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("TORALE_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("TORALE_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TORALE_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
}
