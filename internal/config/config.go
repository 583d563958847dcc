// Package config loads and watches autodev configuration.
// Config lives in .autodev/config.yaml (or config.json) in the workspace;
// environment variables prefixed AUTODEV_ override individual settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autodev/internal/logging"
)

// Config holds all autodev configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Gates     GatesConfig     `yaml:"gates" json:"gates"`
	Verify    VerifyConfig    `yaml:"verify" json:"verify"`
	Cooldown  CooldownConfig  `yaml:"cooldown" json:"cooldown"`
	Learning  LearningConfig  `yaml:"learning" json:"learning"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Logging   logging.Settings `yaml:"logging" json:"logging"`
}

// AgentConfig configures the external coding-agent subprocess.
type AgentConfig struct {
	Binary          string   `yaml:"binary" json:"binary"`
	TimeoutSeconds  int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	BaseDelaySeconds int     `yaml:"base_delay_seconds" json:"base_delay_seconds"`
	AllowedProjects []string `yaml:"allowed_projects" json:"allowed_projects"`
	StreamMinChars  int      `yaml:"stream_min_chars" json:"stream_min_chars"`
	StreamFlushSeconds int   `yaml:"stream_flush_seconds" json:"stream_flush_seconds"`
}

// SchedulerConfig configures the scheduling loop.
type SchedulerConfig struct {
	MaxParallel         int `yaml:"max_parallel" json:"max_parallel"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	GraceSeconds        int `yaml:"grace_seconds" json:"grace_seconds"`
	StaleTimeoutMinutes int `yaml:"stale_timeout_minutes" json:"stale_timeout_minutes"`

	// Resource admission thresholds.
	MaxMemoryPercent  float64 `yaml:"max_memory_percent" json:"max_memory_percent"`
	MinAvailableMB    int     `yaml:"min_available_mb" json:"min_available_mb"`
}

// GatesConfig configures the quality-gate runner.
type GatesConfig struct {
	Enabled                 bool `yaml:"enabled" json:"enabled"`
	LintEnabled             bool `yaml:"lint_enabled" json:"lint_enabled"`
	TestTimeoutSeconds      int  `yaml:"test_timeout_seconds" json:"test_timeout_seconds"`
	TypecheckTimeoutSeconds int  `yaml:"typecheck_timeout_seconds" json:"typecheck_timeout_seconds"`
	LintTimeoutSeconds      int  `yaml:"lint_timeout_seconds" json:"lint_timeout_seconds"`
}

// VerifyConfig configures the independent verification pass.
type VerifyConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxFixAttempts int  `yaml:"max_fix_attempts" json:"max_fix_attempts"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	CacheMaxEntries int `yaml:"cache_max_entries" json:"cache_max_entries"`
}

// CooldownConfig configures the rate-limit cooldown gate.
type CooldownConfig struct {
	Enabled              bool `yaml:"enabled" json:"enabled"`
	CooldownMinutes      int  `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	ConsecutiveThreshold int  `yaml:"consecutive_threshold" json:"consecutive_threshold"`
	FailureWindowSeconds int  `yaml:"failure_window_seconds" json:"failure_window_seconds"`
}

// LearningConfig configures learning extraction and retrieval.
type LearningConfig struct {
	MaxRelevant     int     `yaml:"max_relevant" json:"max_relevant"`
	MinRelevance    float64 `yaml:"min_relevance" json:"min_relevance"`
	DecayFactor     float64 `yaml:"decay_factor" json:"decay_factor"`
	DecayAfterDays  int     `yaml:"decay_after_days" json:"decay_after_days"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "autodev",
		Version: "1.0.0",
		Agent: AgentConfig{
			Binary:             "claude",
			TimeoutSeconds:     1800,
			MaxRetries:         2,
			BaseDelaySeconds:   5,
			StreamMinChars:     50,
			StreamFlushSeconds: 2,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:         3,
			PollIntervalSeconds: 5,
			GraceSeconds:        2,
			StaleTimeoutMinutes: 60,
			MaxMemoryPercent:    90.0,
			MinAvailableMB:      512,
		},
		Gates: GatesConfig{
			Enabled:                 true,
			LintEnabled:             false,
			TestTimeoutSeconds:      300,
			TypecheckTimeoutSeconds: 120,
			LintTimeoutSeconds:      60,
		},
		Verify: VerifyConfig{
			Enabled:         true,
			TimeoutSeconds:  300,
			MaxFixAttempts:  2,
			CacheTTLSeconds: 300,
			CacheMaxEntries: 100,
		},
		Cooldown: CooldownConfig{
			Enabled:              true,
			CooldownMinutes:      60,
			ConsecutiveThreshold: 3,
			FailureWindowSeconds: 300,
		},
		Learning: LearningConfig{
			MaxRelevant:    10,
			MinRelevance:   0.1,
			DecayFactor:    0.9,
			DecayAfterDays: 30,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(".autodev", "autodev.db"),
		},
		Logging: logging.Settings{
			Level: "info",
		},
	}
}

// MaxParallelCeiling is the hard upper bound on concurrent workers.
const MaxParallelCeiling = 10

// Load reads configuration from the workspace, applying defaults and
// environment overrides. A missing config file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path, data, err := readConfigFile(workspace)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if strings.HasSuffix(path, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	clamp(cfg)
	return cfg, nil
}

// ConfigPath returns the path of the active config file in the workspace,
// or "" if none exists.
func ConfigPath(workspace string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(workspace, ".autodev", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func readConfigFile(workspace string) (string, []byte, error) {
	path := ConfigPath(workspace)
	if path == "" {
		return "", nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return path, nil, fmt.Errorf("failed to read config: %w", err)
	}
	return path, data, nil
}

// applyEnvOverrides applies AUTODEV_* environment overrides for the settings
// operators commonly tune without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTODEV_AGENT_BINARY"); v != "" {
		cfg.Agent.Binary = v
	}
	if v := os.Getenv("AUTODEV_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxParallel = n
		}
	}
	if v := os.Getenv("AUTODEV_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("AUTODEV_COOLDOWN_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cooldown.CooldownMinutes = n
		}
	}
	if v := os.Getenv("AUTODEV_DEBUG"); v != "" {
		cfg.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
}

// clamp enforces hard limits on settings that would destabilize the loop.
func clamp(cfg *Config) {
	if cfg.Scheduler.MaxParallel < 1 {
		cfg.Scheduler.MaxParallel = 1
	}
	if cfg.Scheduler.MaxParallel > MaxParallelCeiling {
		cfg.Scheduler.MaxParallel = MaxParallelCeiling
	}
	if cfg.Agent.MaxRetries < 0 {
		cfg.Agent.MaxRetries = 0
	}
	if cfg.Verify.MaxFixAttempts < 0 {
		cfg.Verify.MaxFixAttempts = 0
	}
}

// FindWorkspaceRoot walks up from the current directory looking for an
// existing .autodev marker, falling back to the starting directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".autodev")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return originalDir, nil
}

// Durations derived from the integer-second fields.

// AgentTimeout returns the agent invocation timeout.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// PollInterval returns the scheduler poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// StaleTimeout returns the stale-task recovery threshold.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Scheduler.StaleTimeoutMinutes) * time.Minute
}
