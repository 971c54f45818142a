// Package config loads the static service configuration from a TOML file
// with PULSE_ prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int    `koanf:"port"`
	Host        string `koanf:"host"`
	SiteURL     string `koanf:"site_url"`
	FrontendURL string `koanf:"frontend_url"`
}

// SQLiteConfig holds metadata store settings.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// SMTPConfig holds mail transport settings for the email channel.
type SMTPConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	From          string        `koanf:"from"`
	ReplyTo       string        `koanf:"reply_to"`
	Security      string        `koanf:"security"`
	Timeout       time.Duration `koanf:"timeout"`
	SkipTLSVerify bool          `koanf:"tls_insecure_skip_verify"`
}

// EngineConfig points at the external query-execution service.
type EngineConfig struct {
	URL           string        `koanf:"url"`
	Token         string        `koanf:"token"`
	Timeout       time.Duration `koanf:"timeout"`
	SkipTLSVerify bool          `koanf:"tls_insecure_skip_verify"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
}

// AlertsConfig tunes the scheduler and dispatcher.
type AlertsConfig struct {
	Enabled         bool          `koanf:"enabled"`
	TickInterval    time.Duration `koanf:"tick_interval"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	MaxConcurrency  int64         `koanf:"max_concurrency"`
	SMTP            SMTPConfig    `koanf:"smtp"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Config is the top level service configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	SQLite  SQLiteConfig  `koanf:"sqlite"`
	Engine  EngineConfig  `koanf:"engine"`
	Alerts  AlertsConfig  `koanf:"alerts"`
	Logging LoggingConfig `koanf:"logging"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8125,
			Host: "0.0.0.0",
		},
		SQLite: SQLiteConfig{
			Path: "pulse.db",
		},
		Engine: EngineConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
		},
		Alerts: AlertsConfig{
			Enabled:         true,
			TickInterval:    time.Minute,
			DeliveryTimeout: 10 * time.Second,
			MaxConcurrency:  8,
			SMTP: SMTPConfig{
				Port:     587,
				Security: "starttls",
				Timeout:  5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given TOML file (optional) and merges
// PULSE_ environment overrides on top of the built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	// PULSE_SERVER__PORT=9000 maps to server.port.
	if err := k.Load(env.Provider("PULSE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PULSE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, nil
}
