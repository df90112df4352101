// Package config loads and normalizes the tool configuration from
// config.yaml in the state directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calder/autoissue/internal/otel"
	"github.com/calder/autoissue/internal/retry"
)

// RetryConfig tunes the retry engine that wraps tracker-CLI calls.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
	JitterMS    int `yaml:"jitter_ms"`
}

// Policy converts the configuration into an engine policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
		Jitter:      time.Duration(r.JitterMS) * time.Millisecond,
	}
}

// JanitorConfig controls the periodic stale-lock sweep.
type JanitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
}

// AgentConfig names the external coding agent invocation.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// TimeoutMinutes bounds one agent run on one issue.
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Repo is the tracker repository in owner/name form.
	Repo     string `yaml:"repo"`
	LogLevel string `yaml:"log_level"`

	// WorkerCount is the number of concurrent issue workers this
	// process runs.
	WorkerCount int `yaml:"worker_count"`

	// LockTimeoutMinutes is the staleness threshold for task locks.
	LockTimeoutMinutes int `yaml:"lock_timeout_minutes"`

	// HeartbeatIntervalSeconds is the renewal period for held locks.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// GHBinary is the tracker CLI executable name or path.
	GHBinary string `yaml:"gh_binary"`

	// VerboseDecode enables offset/line-column detail and content
	// previews when persisted JSON fails to decode.
	VerboseDecode bool `yaml:"verbose_decode"`

	// HistoryRetentionDays bounds the run-history store. 0 keeps
	// everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	Retry   RetryConfig   `yaml:"retry"`
	Janitor JanitorConfig `yaml:"janitor"`
	Agent   AgentConfig   `yaml:"agent"`
	Otel    otel.Config   `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		WorkerCount:              1,
		LockTimeoutMinutes:       120,
		HeartbeatIntervalSeconds: 30,
		GHBinary:                 "gh",
		HistoryRetentionDays:     90,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
			MaxDelayMS:  30000,
			JitterMS:    500,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "*/30 * * * *",
		},
		Agent: AgentConfig{
			Command:        "claude",
			TimeoutMinutes: 30,
		},
	}
}

// HomeDir returns the state directory: $AUTOISSUE_HOME or ~/.autoissue.
func HomeDir() string {
	if override := os.Getenv("AUTOISSUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autoissue")
}

// Load reads, overrides, and normalizes the configuration. A missing
// config.yaml yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create autoissue home: %w", err)
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

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.LockTimeoutMinutes <= 0 {
		cfg.LockTimeoutMinutes = 120
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if strings.TrimSpace(cfg.GHBinary) == "" {
		cfg.GHBinary = "gh"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		cfg.Retry.BaseDelayMS = 1000
	}
	if cfg.Retry.MaxDelayMS <= 0 {
		cfg.Retry.MaxDelayMS = 30000
	}
	if cfg.Retry.JitterMS < 0 {
		cfg.Retry.JitterMS = 0
	}
	if strings.TrimSpace(cfg.Janitor.Schedule) == "" {
		cfg.Janitor.Schedule = "*/30 * * * *"
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.TimeoutMinutes <= 0 {
		cfg.Agent.TimeoutMinutes = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUTOISSUE_REPO"); raw != "" {
		cfg.Repo = raw
	}
	if raw := os.Getenv("AUTOISSUE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AUTOISSUE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("AUTOISSUE_LOCK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LockTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("AUTOISSUE_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AUTOISSUE_GH_BINARY"); raw != "" {
		cfg.GHBinary = raw
	}
	if raw := os.Getenv("AUTOISSUE_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
}

// Fingerprint returns a stable hash of the settings that change worker
// behavior, for change detection on hot reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "repo=%s|workers=%d|timeout=%d|hb=%d|log=%s|agent=%s",
		c.Repo, c.WorkerCount, c.LockTimeoutMinutes, c.HeartbeatIntervalSeconds, c.LogLevel, c.Agent.Command)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
