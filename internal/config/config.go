// Package config handles skillbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./skillbridge.yaml, ~/.config/skillbridge/skillbridge.yaml,
// /etc/skillbridge/skillbridge.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"skillbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skillbridge", "skillbridge.yaml"))
	}

	paths = append(paths, "/etc/skillbridge/skillbridge.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all skillbridge configuration.
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Loop     LoopConfig     `yaml:"loop"`
	Progress ProgressConfig `yaml:"progress"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Web      WebConfig      `yaml:"web"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ExecutorConfig defines how the external skill CLI is invoked.
type ExecutorConfig struct {
	// Path is the executable to launch for each invocation.
	Path string `yaml:"path"`
	// BaseArgs are arguments placed before the user text.
	BaseArgs []string `yaml:"base_args"`
	// AutoConfirmFlag, when non-empty, is appended after the user text to
	// enable unattended operation (e.g. "--dangerously-skip-permissions").
	AutoConfirmFlag string `yaml:"auto_confirm_flag"`
	// TimeoutSec bounds a single invocation. Default 300.
	TimeoutSec int `yaml:"timeout_sec"`
	// MaxRetries is the number of launch attempts per request. Default 3.
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseDelayMs is the base for linear retry backoff. Default 1000.
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
	// MaxOutputBytes caps captured stdout/stderr. Default 200KB.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// LoopConfig defines continuation and escalation policy.
type LoopConfig struct {
	// MaxDepth is the maximum number of automatic continuations before a
	// conversation is escalated to a human. Default 5.
	MaxDepth int `yaml:"max_depth"`
	// LowConfidenceThreshold escalates Continue signals whose confidence
	// falls below it. Default 0.3. A heuristic constant, not a tuned one.
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
	// FallbackExtraction enables the last-non-empty-line next-phase
	// heuristic when no labeled marker matches. Default true.
	FallbackExtraction *bool `yaml:"fallback_extraction"`
	// SessionIdleTimeoutSec removes conversations with no activity for
	// this long, regardless of state. Default 3600.
	SessionIdleTimeoutSec int `yaml:"session_idle_timeout_sec"`
}

// ProgressConfig defines the periodic progress summary sweep.
type ProgressConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalSec is the minimum time between summaries for one
	// conversation. Default 300.
	IntervalSec int `yaml:"interval_sec"`
	// TickSec is how often the sweep runs. Default 30.
	TickSec int `yaml:"tick_sec"`
}

// MQTTConfig defines the message bus connection.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
	// InboundTopic receives normalized chat events. Default
	// "skillbridge/<device>/inbound".
	InboundTopic string `yaml:"inbound_topic"`
	// OutboundPrefix is the topic prefix for result/progress/error
	// publications. Default "skillbridge/<device>".
	OutboundPrefix string `yaml:"outbound_prefix"`
	// RateLimit caps inbound messages per minute; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// WebConfig defines the status web server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8087
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Executor.Path == "" {
		return nil, fmt.Errorf("executor.path is required")
	}

	return cfg, nil
}

// Default returns a default configuration. The executor path is left
// empty and must be supplied by the user.
func Default() *Config {
	fallback := true
	return &Config{
		Executor: ExecutorConfig{
			TimeoutSec:       300,
			MaxRetries:       3,
			RetryBaseDelayMs: 1000,
			MaxOutputBytes:   200 * 1024,
		},
		Loop: LoopConfig{
			MaxDepth:               5,
			LowConfidenceThreshold: 0.3,
			FallbackExtraction:     &fallback,
			SessionIdleTimeoutSec:  3600,
		},
		Progress: ProgressConfig{
			Enabled:     true,
			IntervalSec: 300,
			TickSec:     30,
		},
		MQTT: MQTTConfig{
			DeviceName: "skillbridge",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8087,
		},
		DataDir: "data",
	}
}

// ExecTimeout returns the per-invocation timeout as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSec) * time.Second
}

// RetryBaseDelay returns the retry backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Executor.RetryBaseDelayMs) * time.Millisecond
}

// SessionIdleTimeout returns the idle expiry window as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Loop.SessionIdleTimeoutSec) * time.Second
}

// ProgressInterval returns the per-conversation summary interval.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Progress.IntervalSec) * time.Second
}

// ProgressTick returns the sweep cadence.
func (c *Config) ProgressTick() time.Duration {
	return time.Duration(c.Progress.TickSec) * time.Second
}

// FallbackEnabled reports whether last-line next-phase extraction is on.
func (c *Config) FallbackEnabled() bool {
	if c.Loop.FallbackExtraction == nil {
		return true
	}
	return *c.Loop.FallbackExtraction
}
