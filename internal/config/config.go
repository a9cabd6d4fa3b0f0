// Package config loads the license server configuration from environment
// variables (GIGDESK prefix) with an optional YAML overlay. Secrets only
// ever arrive through the environment and are never echoed back in logs or
// responses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Billing  BillingConfig  `yaml:"billing" envconfig:"BILLING"`
	Token    TokenConfig    `yaml:"token" envconfig:"TOKEN"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains rate limiting and CORS configuration. The API is
// called from desktop clients on arbitrary networks, so origins default to
// any.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"20"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"40"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// BillingConfig holds the billing-provider credentials. Both values are
// secrets; they have no yaml tags on purpose so a committed config file
// cannot carry them.
type BillingConfig struct {
	StripeAPIKey  string `yaml:"-" envconfig:"STRIPE_API_KEY"`
	WebhookSecret string `yaml:"-" envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// TokenConfig holds the offline-token signing secret.
type TokenConfig struct {
	SigningSecret string `yaml:"-" envconfig:"SIGNING_SECRET"`
}

// Load builds the configuration: environment first, then a YAML overlay for
// any zero-valued non-secret fields, then validation.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("GIGDESK", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := configFilePath(); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = merge(*fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge overlays file values under env values; env wins.
func merge(fileCfg, envCfg Config) Config {
	if envCfg.Server.Port == 0 {
		envCfg.Server.Port = fileCfg.Server.Port
	}
	if envCfg.Server.ReadTimeout == 0 {
		envCfg.Server.ReadTimeout = fileCfg.Server.ReadTimeout
	}
	if envCfg.Server.WriteTimeout == 0 {
		envCfg.Server.WriteTimeout = fileCfg.Server.WriteTimeout
	}
	if envCfg.Server.IdleTimeout == 0 {
		envCfg.Server.IdleTimeout = fileCfg.Server.IdleTimeout
	}
	if envCfg.Server.MaxHeaderBytes == 0 {
		envCfg.Server.MaxHeaderBytes = fileCfg.Server.MaxHeaderBytes
	}
	if envCfg.Server.ShutdownTimeout == 0 {
		envCfg.Server.ShutdownTimeout = fileCfg.Server.ShutdownTimeout
	}
	if len(envCfg.Security.AllowedOrigins) == 0 {
		envCfg.Security.AllowedOrigins = fileCfg.Security.AllowedOrigins
	}
	// RateLimit.Enabled is a bool with no unset state, so it stays with the
	// env/default value.
	if envCfg.Security.RateLimit.RPS == 0 {
		envCfg.Security.RateLimit.RPS = fileCfg.Security.RateLimit.RPS
	}
	if envCfg.Security.RateLimit.Burst == 0 {
		envCfg.Security.RateLimit.Burst = fileCfg.Security.RateLimit.Burst
	}
	if envCfg.Logging.Level == "" {
		envCfg.Logging.Level = fileCfg.Logging.Level
	}
	if envCfg.Logging.Format == "" {
		envCfg.Logging.Format = fileCfg.Logging.Format
	}
	return envCfg
}

// Validate checks the configuration, including presence of the three
// secrets the licensing core cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.Billing.StripeAPIKey == "" {
		return fmt.Errorf("billing API key is required (GIGDESK_BILLING_STRIPE_API_KEY)")
	}
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required (GIGDESK_BILLING_STRIPE_WEBHOOK_SECRET)")
	}
	if c.Token.SigningSecret == "" {
		return fmt.Errorf("token signing secret is required (GIGDESK_TOKEN_SIGNING_SECRET)")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}
	return nil
}

func configFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns the default non-secret configuration, used by tests and
// as documentation of baseline values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
