// Package config provides YAML-based configuration loading for the
// presence engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration, loaded from config.yaml.
type Config struct {
	AgentID   string       `yaml:"agent_id"`
	StorePath string       `yaml:"store_path"`
	Remote    RemoteConfig `yaml:"remote"`
	Sync      SyncConfig   `yaml:"sync"`

	// AcquireTimeoutSeconds bounds device coordinate acquisition. The
	// product allows 10-15 seconds; values outside that band are
	// clamped.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
}

// RemoteConfig holds connection settings for the backend session store.
type RemoteConfig struct {
	User     string `yaml:"user"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// SyncConfig tunes the synchronization agent.
type SyncConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// SafetyCron is a 5-field cron expression for the periodic
	// safety-net drain; empty disables it.
	SafetyCron string `yaml:"safety_cron"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = "fieldtrack.db"
	}
	if c.Remote.User == "" {
		c.Remote.User = "fieldtrack"
	}
	if c.Remote.Host == "" {
		c.Remote.Host = "127.0.0.1"
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 3306
	}
	if c.Remote.Database == "" {
		c.Remote.Database = "field_presence"
	}
	if c.Sync.PollIntervalSeconds == 0 {
		c.Sync.PollIntervalSeconds = 5
	}
	if c.Sync.SafetyCron == "" {
		c.Sync.SafetyCron = "*/5 * * * *"
	}
	switch {
	case c.AcquireTimeoutSeconds == 0:
		c.AcquireTimeoutSeconds = 12
	case c.AcquireTimeoutSeconds < 10:
		c.AcquireTimeoutSeconds = 10
	case c.AcquireTimeoutSeconds > 15:
		c.AcquireTimeoutSeconds = 15
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.AgentID == "" {
		errs = append(errs, "agent_id is required")
	}
	if c.Remote.Port < 0 || c.Remote.Port > 65535 {
		errs = append(errs, "remote.port is out of range")
	}
	if c.Sync.PollIntervalSeconds < 0 {
		errs = append(errs, "sync.poll_interval_seconds must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AcquireTimeout returns the coordinate-acquisition timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// PollInterval returns the connectivity poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}
