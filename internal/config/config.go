/*
Package config loads the sentinel node's configuration from a YAML file,
overridable by environment variables.
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SegmentConfig is one segment's target rate and optional bounds, as they
// appear in the config file.
type SegmentConfig struct {
	TargetRate float64  `yaml:"target_rate"`
	MinRate    *float64 `yaml:"min_rate,omitempty"`
	MaxRate    *float64 `yaml:"max_rate,omitempty"`
}

// PIDConfig carries the gains and optional clamps applied to every
// segment's controller.
type PIDConfig struct {
	Kp         float64  `yaml:"kp"`
	Ki         float64  `yaml:"ki"`
	Kd         float64  `yaml:"kd"`
	ErrorBias  float64  `yaml:"error_bias"`
	ErrorLimit *float64 `yaml:"error_limit,omitempty"`
	OutputLimit *float64 `yaml:"output_limit,omitempty"`
}

// Config is the sentinel node's full configuration.
type Config struct {
	Hostname       string                   `yaml:"hostname"`
	ListenAddr     string                   `yaml:"listen_addr"`
	MetricsAddr    string                   `yaml:"metrics_addr"`
	LogLevel       string                   `yaml:"log_level"`
	Peers          []string                 `yaml:"peers"`
	ExchangeInterval time.Duration          `yaml:"exchange_interval"`
	UpdateInterval time.Duration            `yaml:"update_interval"`
	Window         time.Duration            `yaml:"window"`
	PID            PIDConfig                `yaml:"pid"`
	DefaultSegment SegmentConfig            `yaml:"default_segment"`
	Segments       map[string]SegmentConfig `yaml:"segments"`
}

const (
	defaultListenAddr       = "[::1]:8080"
	defaultMetricsAddr      = ":9090"
	defaultLogLevel         = "info"
	defaultExchangeInterval = 2 * time.Second
	defaultUpdateInterval   = time.Second
	defaultWindow           = time.Second
)

// Default returns a Config with every field at its documented default and
// an empty segment set.
func Default() *Config {
	return &Config{
		ListenAddr:       defaultListenAddr,
		MetricsAddr:      defaultMetricsAddr,
		LogLevel:         defaultLogLevel,
		ExchangeInterval: defaultExchangeInterval,
		UpdateInterval:   defaultUpdateInterval,
		Window:           defaultWindow,
		PID:              PIDConfig{ErrorBias: 1},
		Segments:         map[string]SegmentConfig{},
	}
}

// Load reads path (if non-empty and present) into a Default config, then
// applies NENYA_-prefixed environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("cannot read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NENYA_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("NENYA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NENYA_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NENYA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("NENYA_PEERS"); v != "" {
		cfg.Peers = splitAndTrim(v)
	}
	if v := os.Getenv("NENYA_EXCHANGE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ExchangeInterval = d
		}
	}
}

func (c *Config) validate() error {
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("hostname not configured and cannot be detected: %w", err)
		}
		c.Hostname = hostname
	}
	if c.ExchangeInterval <= 0 {
		return fmt.Errorf("exchange_interval must be positive, got %s", c.ExchangeInterval)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	for name, seg := range c.Segments {
		minRate := seg.TargetRate
		if seg.MinRate != nil {
			minRate = *seg.MinRate
		}
		maxRate := seg.TargetRate
		if seg.MaxRate != nil {
			maxRate = *seg.MaxRate
		}
		if !(minRate <= seg.TargetRate && seg.TargetRate <= maxRate) {
			return fmt.Errorf("segment %q: min_rate <= target_rate <= max_rate must hold", name)
		}
	}
	return nil
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseLevel normalizes the configured log level string to one of "debug",
// "info", "warn" or "error", defaulting to "info" for an unrecognized string.
func ParseLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(strings.TrimSpace(level))
	default:
		return defaultLogLevel
	}
}
