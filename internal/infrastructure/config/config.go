// Package config loads agent configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
type Config struct {
	Agent   AgentConfig
	Gateway GatewayConfig
	Breaker BreakerConfig
	Retry   RetryConfig
	Auth    AuthConfig
	Queue   QueueConfig
	Logging LogConfig
}

// AgentConfig holds the local diagnostics server configuration.
type AgentConfig struct {
	Port     string `envconfig:"AGENT_PORT" default:"7377"`
	Host     string `envconfig:"AGENT_HOST" default:"127.0.0.1"`
	StateDir string `envconfig:"STATE_DIR" default:".ledgerline"`
}

// GatewayConfig holds the LedgerLine API endpoint configuration.
type GatewayConfig struct {
	BaseURL        string        `envconfig:"GATEWAY_URL" default:"http://localhost:8080"`
	RequestTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	RateLimitRPS   float64       `envconfig:"GATEWAY_RATE_LIMIT_RPS" default:"0"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold uint          `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"60s"`
	MonitoringPeriod time.Duration `envconfig:"BREAKER_MONITORING_PERIOD" default:"5m"`
}

// RetryConfig holds retry/backoff tuning.
type RetryConfig struct {
	MaxRetries uint          `envconfig:"RETRY_MAX" default:"3"`
	BaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
}

// AuthConfig holds token refresh tuning.
type AuthConfig struct {
	RefreshThreshold time.Duration `envconfig:"AUTH_REFRESH_THRESHOLD" default:"5m"`
	WarningThreshold time.Duration `envconfig:"AUTH_WARNING_THRESHOLD" default:"10m"`
	MaxRetryAttempts uint          `envconfig:"AUTH_MAX_RETRY_ATTEMPTS" default:"3"`
}

// QueueConfig holds offline queue tuning.
type QueueConfig struct {
	Capacity          int           `envconfig:"QUEUE_CAPACITY" default:"100"`
	MaxRetries        uint          `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
	InterRequestDelay time.Duration `envconfig:"QUEUE_INTER_REQUEST_DELAY" default:"2s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Port:     "7377",
			Host:     "127.0.0.1",
			StateDir: ".ledgerline",
		},
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			MonitoringPeriod: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Auth: AuthConfig{
			RefreshThreshold: 5 * time.Minute,
			WarningThreshold: 10 * time.Minute,
			MaxRetryAttempts: 3,
		},
		Queue: QueueConfig{
			Capacity:          100,
			MaxRetries:        3,
			InterRequestDelay: 2 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
