// Package config provides configuration loading and management for convoprobe.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete convoprobe configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Retry   RetryConfig   `yaml:"retry"`
	Run     RunConfig     `yaml:"run"`
	FixLoop FixLoopConfig `yaml:"fix_loop"`
	Scoring ScoringConfig `yaml:"scoring"`
	NATS    NATSConfig    `yaml:"nats"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AgentConfig configures the agent under test
type AgentConfig struct {
	// BaseURL is the agent API root, e.g. https://api.example.com/einstein/ai-agent/v1
	BaseURL string `yaml:"base_url"`
	// AgentID identifies the agent to open sessions against
	AgentID string `yaml:"agent_id"`
	// Token is the bearer token. Prefer CONVOPROBE_TOKEN over writing it to a file.
	Token string `yaml:"token,omitempty"`
	// Timeout bounds each protocol call
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig configures rate-limit retries
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first 429
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// RunConfig configures scenario execution
type RunConfig struct {
	// Workers is 1 or 2
	Workers                     int           `yaml:"workers"`
	MaxConsecutiveInfraFailures int           `yaml:"max_consecutive_infra_failures"`
	CloseTimeout                time.Duration `yaml:"close_timeout"`
	// Scenarios are files, directories, or globs
	Scenarios []string `yaml:"scenarios"`
	// Variables are name[:Type]=value entries that override scenario variables
	Variables        []string `yaml:"variables"`
	MutableVariables []string `yaml:"mutable_variables"`
}

// FixLoopConfig configures the fix loop
type FixLoopConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// WaitForChange lists paths to watch between attempts (empty = don't wait)
	WaitForChange []string      `yaml:"wait_for_change"`
	Debounce      time.Duration `yaml:"debounce"`
}

// ScoringConfig configures report scoring
type ScoringConfig struct {
	// Weights maps score category names to points
	Weights map[string]float64 `yaml:"weights"`
}

// NATSConfig configures event publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = publishing disabled)
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HistoryConfig configures run history persistence
type HistoryConfig struct {
	// Path is the SQLite database file (empty = disabled)
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus listener
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       time.Second,
			BackoffMultiplier: 2.0,
			MaxBackoff:        30 * time.Second,
		},
		Run: RunConfig{
			Workers:                     2,
			MaxConsecutiveInfraFailures: 3,
			CloseTimeout:                10 * time.Second,
		},
		FixLoop: FixLoopConfig{
			MaxAttempts: 3,
			Debounce:    500 * time.Millisecond,
		},
		NATS: NATSConfig{
			SubjectPrefix: "convoprobe",
		},
	}
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	if c.Agent.AgentID == "" {
		return fmt.Errorf("agent.agent_id is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if c.Run.Workers < 1 || c.Run.Workers > 2 {
		return fmt.Errorf("run.workers must be 1 or 2, got %d", c.Run.Workers)
	}
	if c.Run.MaxConsecutiveInfraFailures < 1 {
		return fmt.Errorf("run.max_consecutive_infra_failures must be at least 1")
	}
	if c.FixLoop.MaxAttempts < 1 {
		return fmt.Errorf("fix_loop.max_attempts must be at least 1")
	}
	for name, w := range c.Scoring.Weights {
		if w < 0 {
			return fmt.Errorf("scoring.weights.%s must not be negative", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	overlay, err := readFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Merge(overlay)
	return config, nil
}

// readFile parses a YAML file into a zero Config so only the keys it sets are non-zero.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold a bearer token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Agent
	setString(&c.Agent.BaseURL, other.Agent.BaseURL)
	setString(&c.Agent.AgentID, other.Agent.AgentID)
	setString(&c.Agent.Token, other.Agent.Token)
	setDuration(&c.Agent.Timeout, other.Agent.Timeout)

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	setDuration(&c.Retry.BackoffBase, other.Retry.BackoffBase)
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	setDuration(&c.Retry.MaxBackoff, other.Retry.MaxBackoff)

	// Run
	if other.Run.Workers != 0 {
		c.Run.Workers = other.Run.Workers
	}
	if other.Run.MaxConsecutiveInfraFailures != 0 {
		c.Run.MaxConsecutiveInfraFailures = other.Run.MaxConsecutiveInfraFailures
	}
	setDuration(&c.Run.CloseTimeout, other.Run.CloseTimeout)
	if len(other.Run.Scenarios) > 0 {
		c.Run.Scenarios = other.Run.Scenarios
	}
	if len(other.Run.Variables) > 0 {
		c.Run.Variables = other.Run.Variables
	}
	if len(other.Run.MutableVariables) > 0 {
		c.Run.MutableVariables = other.Run.MutableVariables
	}

	// Fix loop
	if other.FixLoop.MaxAttempts != 0 {
		c.FixLoop.MaxAttempts = other.FixLoop.MaxAttempts
	}
	if len(other.FixLoop.WaitForChange) > 0 {
		c.FixLoop.WaitForChange = other.FixLoop.WaitForChange
	}
	setDuration(&c.FixLoop.Debounce, other.FixLoop.Debounce)

	// Scoring weights merge per key
	for k, v := range other.Scoring.Weights {
		if c.Scoring.Weights == nil {
			c.Scoring.Weights = make(map[string]float64)
		}
		c.Scoring.Weights[k] = v
	}

	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.SubjectPrefix, other.NATS.SubjectPrefix)
	setString(&c.History.Path, other.History.Path)
	setString(&c.Metrics.Addr, other.Metrics.Addr)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
