// Package config loads and validates the loop configuration from YAML, with
// environment overrides and an optional file watcher for live reloads.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"mindloop/internal/logging"
)

// Config holds every recognized option.
type Config struct {
	// Feature toggles.
	Enabled           bool `yaml:"enabled"`
	DreamEnabled      bool `yaml:"dream_enabled"`
	AutoCommitEnabled bool `yaml:"auto_commit_enabled"`
	LearningEnabled   bool `yaml:"learning_enabled"`

	// Budget.
	DailyTokenLimit int `yaml:"daily_token_limit"`

	// Cadence, in milliseconds to keep the file format integer-only.
	CycleIntervalMs int `yaml:"cycle_interval_ms"`
	CycleMinMs      int `yaml:"cycle_min_ms"`
	CycleMaxMs      int `yaml:"cycle_max_ms"`

	// Memory.
	BufferSlots             int     `yaml:"buffer_slots"`
	DreamIntervalHours      int     `yaml:"dream_interval_hours"`
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold"`
	ConsolidationThreshold  float64 `yaml:"consolidation_threshold"`

	// Routing.
	ClassifierThreshold float64 `yaml:"classifier_threshold"`
	InferenceMaxRetries int     `yaml:"inference_max_retries"`
	InferenceDeadlineMs int     `yaml:"inference_deadline_ms"`

	// Checkpointing.
	AutoCommitInterval int `yaml:"auto_commit_interval"`
	AutoSaveInterval   int `yaml:"auto_save_interval"`

	// Providers.
	Deep ProviderConfig `yaml:"deep"`
	Rote ProviderConfig `yaml:"rote"`

	// Storage paths, relative to the workspace when not absolute.
	DatabasePath string `yaml:"database_path"`
	StateDir     string `yaml:"state_dir"`
}

// ProviderConfig configures one inference tier's backend.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // http, local, static
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		DreamEnabled:      true,
		AutoCommitEnabled: true,
		LearningEnabled:   true,

		DailyTokenLimit: 1_000_000,

		CycleIntervalMs: 30_000,
		CycleMinMs:      10_000,
		CycleMaxMs:      300_000,

		BufferSlots:             5,
		DreamIntervalHours:      24,
		MemoryPressureThreshold: 0.8,
		ConsolidationThreshold:  0.6,

		ClassifierThreshold: 0.6,
		InferenceMaxRetries: 3,
		InferenceDeadlineMs: 30_000,

		AutoCommitInterval: 10,
		AutoSaveInterval:   5,

		Deep: ProviderConfig{Provider: "http"},
		Rote: ProviderConfig{Provider: "static"},

		DatabasePath: filepath.Join(".mindloop", "episodic.db"),
		StateDir:     filepath.Join(".mindloop", "state"),
	}
}

// ConfigPath returns the default config file location for a workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, ".mindloop", "config.yaml")
}

// Load reads the config file, applies environment overrides, and validates.
// A missing file yields defaults (plus overrides), not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		logging.Config("loaded configuration from %s", path)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays MINDLOOP_* environment variables.
func (c *Config) applyEnv() {
	envInt("MINDLOOP_DAILY_TOKEN_LIMIT", &c.DailyTokenLimit)
	envInt("MINDLOOP_CYCLE_INTERVAL_MS", &c.CycleIntervalMs)
	envInt("MINDLOOP_BUFFER_SLOTS", &c.BufferSlots)
	envInt("MINDLOOP_DREAM_INTERVAL_HOURS", &c.DreamIntervalHours)
	envFloat("MINDLOOP_CLASSIFIER_THRESHOLD", &c.ClassifierThreshold)
	envFloat("MINDLOOP_CONSOLIDATION_THRESHOLD", &c.ConsolidationThreshold)
	envBool("MINDLOOP_DREAM_ENABLED", &c.DreamEnabled)
	envBool("MINDLOOP_AUTO_COMMIT_ENABLED", &c.AutoCommitEnabled)
	envString("MINDLOOP_DEEP_API_KEY", &c.Deep.APIKey)
	envString("MINDLOOP_DEEP_BASE_URL", &c.Deep.BaseURL)
	envString("MINDLOOP_DEEP_MODEL", &c.Deep.Model)
	envString("MINDLOOP_ROTE_BASE_URL", &c.Rote.BaseURL)
	envString("MINDLOOP_ROTE_MODEL", &c.Rote.Model)
	envString("MINDLOOP_DATABASE_PATH", &c.DatabasePath)
	envString("MINDLOOP_STATE_DIR", &c.StateDir)
}

// Validate rejects impossible values and clamps soft ones.
func (c *Config) Validate() error {
	if c.DailyTokenLimit <= 0 {
		return fmt.Errorf("daily_token_limit must be positive, got %d", c.DailyTokenLimit)
	}
	if c.BufferSlots <= 0 {
		return fmt.Errorf("buffer_slots must be positive, got %d", c.BufferSlots)
	}
	if c.CycleMinMs <= 0 || c.CycleMaxMs < c.CycleMinMs {
		return fmt.Errorf("invalid cycle bounds [%d, %d]", c.CycleMinMs, c.CycleMaxMs)
	}
	if c.CycleIntervalMs < c.CycleMinMs {
		c.CycleIntervalMs = c.CycleMinMs
	}
	if c.CycleIntervalMs > c.CycleMaxMs {
		c.CycleIntervalMs = c.CycleMaxMs
	}
	if c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold > 1 {
		return fmt.Errorf("memory_pressure_threshold must be in (0,1], got %v", c.MemoryPressureThreshold)
	}
	if c.ConsolidationThreshold <= 0 || c.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation_threshold must be in (0,1], got %v", c.ConsolidationThreshold)
	}
	if c.ClassifierThreshold < 0.4 || c.ClassifierThreshold > 0.8 {
		return fmt.Errorf("classifier_threshold must be in [0.4, 0.8], got %v", c.ClassifierThreshold)
	}
	if c.InferenceMaxRetries <= 0 {
		return fmt.Errorf("inference_max_retries must be positive, got %d", c.InferenceMaxRetries)
	}
	if c.AutoSaveInterval <= 0 || c.AutoCommitInterval <= 0 {
		return fmt.Errorf("save intervals must be positive")
	}
	return nil
}

// CycleInterval returns the cadence as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMs) * time.Millisecond
}

// CycleBounds returns the clamp range for the tuner.
func (c *Config) CycleBounds() (time.Duration, time.Duration) {
	return time.Duration(c.CycleMinMs) * time.Millisecond, time.Duration(c.CycleMaxMs) * time.Millisecond
}

// InferenceDeadline returns the per-call provider deadline.
func (c *Config) InferenceDeadline() time.Duration {
	return time.Duration(c.InferenceDeadlineMs) * time.Millisecond
}

// DreamInterval returns the time-based dream trigger interval.
func (c *Config) DreamInterval() time.Duration {
	return time.Duration(c.DreamIntervalHours) * time.Hour
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			logging.ConfigWarn("ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			logging.ConfigWarn("ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			logging.ConfigWarn("ignoring %s=%q: %v", key, v, err)
		}
	}
}
