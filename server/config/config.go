// Package config loads server settings from an optional YAML file with
// flag-friendly defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"dropsync/constants"
)

// Duration parses YAML values like "30s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config holds every server tunable.
type Config struct {
	Listen      string `yaml:"listen"`
	Port        int    `yaml:"port"`
	DSCP        int    `yaml:"dscp"`
	Staging     string `yaml:"staging"`
	Destination string `yaml:"destination"`
	Keydir      string `yaml:"keydir"`
	MetricsAddr string `yaml:"metrics_addr"`

	Chunksize         int `yaml:"chunksize"`
	Maxqueue          int `yaml:"maxqueue"`
	MaxDebt           int `yaml:"max_debt"`
	MinDebt           int `yaml:"min_debt"`
	TransferThreshold int `yaml:"transfer_threshold"`

	ProbeInterval Duration `yaml:"probe_interval"`
	IdleTimeout   Duration `yaml:"idle_timeout"`

	RequiredMeta []string `yaml:"required_meta"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:            "0.0.0.0",
		Port:              constants.DEFAULT_PORT,
		DSCP:              constants.DEFAULT_DSCP,
		Chunksize:         constants.DEFAULT_CHUNK_SIZE,
		Maxqueue:          constants.DEFAULT_MAX_QUEUE,
		MaxDebt:           constants.DEFAULT_MAX_DEBT,
		MinDebt:           constants.DEFAULT_MIN_DEBT,
		TransferThreshold: constants.TRANSFER_THRESHOLD,
		ProbeInterval:     Duration(constants.SERVER_PROBE),
		IdleTimeout:       Duration(constants.SERVER_TIMEOUT),
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load overlays the YAML file at path onto the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects settings the protocol cannot run with.
func (c *Config) Validate() error {
	if c.Chunksize < 1 || c.Chunksize > constants.MAX_CHUNK_SIZE {
		return fmt.Errorf("chunksize must be in 1..%d", constants.MAX_CHUNK_SIZE)
	}
	if c.Maxqueue < 1 {
		return fmt.Errorf("maxqueue must be positive")
	}
	if c.MaxDebt < c.Maxqueue {
		return fmt.Errorf("max_debt must be at least maxqueue")
	}
	if c.MinDebt < 0 || c.MinDebt > c.MaxDebt {
		return fmt.Errorf("min_debt must be in 0..max_debt")
	}
	if c.TransferThreshold < 1 || c.TransferThreshold > c.Maxqueue {
		return fmt.Errorf("transfer_threshold must be in 1..maxqueue")
	}
	if c.Staging == "" || c.Destination == "" {
		return fmt.Errorf("staging and destination directories are required")
	}
	if c.Keydir == "" {
		return fmt.Errorf("keydir is required")
	}
	return nil
}

// SetupLogger builds the slog logger the config asks for.
func (c *Config) SetupLogger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
