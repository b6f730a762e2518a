package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for pitchsync
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Polling PollingConfig `yaml:"polling"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the local HTTP surface configuration
type ServerConfig struct {
	Host           string            `yaml:"host" validate:"required"`
	Port           int               `yaml:"port" validate:"min=1,max=65535"`
	RequestTimeout time.Duration     `yaml:"request_timeout" validate:"gt=0"`
	APIKey         string            `yaml:"api_key"`
	Presenters     []PresenterConfig `yaml:"presenters" validate:"dive"`
}

// PresenterConfig declares a client allowed to drive the local surface
type PresenterConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	APIKey      string   `yaml:"api_key" validate:"required,min=8"`
	Permissions []string `yaml:"permissions"`
}

// BackendConfig holds the evaluator backend configuration
type BackendConfig struct {
	BaseURL          string        `yaml:"base_url" validate:"required,url"`
	EvaluatorTimeout time.Duration `yaml:"evaluator_timeout" validate:"gt=0"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig holds the retry policy of backend calls
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"min=0,max=10"`
	BaseDelay  time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// AuthConfig holds the bearer credential source. A client id selects the
// client-credentials grant, otherwise Token is sent as is.
type AuthConfig struct {
	Token        string   `yaml:"token"`
	TokenURL     string   `yaml:"token_url" validate:"omitempty,url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret" validate:"required_with=ClientID"`
	Scopes       []string `yaml:"scopes"`
}

// PollingConfig holds background poller intervals
type PollingConfig struct {
	HealthInterval    time.Duration `yaml:"health_interval" validate:"gt=0"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" validate:"gt=0"`
}

// SessionConfig holds session controller tuning
type SessionConfig struct {
	StaleBuffer time.Duration `yaml:"stale_buffer" validate:"gte=0"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// SlogLevel maps the configured level onto slog
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			RequestTimeout: 150 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:          "http://localhost:8000",
			EvaluatorTimeout: 120 * time.Second,
			ProbeTimeout:     5 * time.Second,
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  time.Second,
				MaxDelay:   10 * time.Second,
			},
		},
		Polling: PollingConfig{
			HealthInterval:    30 * time.Second,
			BroadcastInterval: 15 * time.Second,
		},
		Session: SessionConfig{
			StaleBuffer: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// PITCHSYNC_CONFIG, then environment variables, in increasing precedence
func Load() (*Config, error) {
	return LoadFile(os.Getenv("PITCHSYNC_CONFIG"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.RequestTimeout = getEnvAsDuration("SERVER_REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.APIKey = getEnv("SERVER_API_KEY", c.Server.APIKey)

	c.Backend.BaseURL = strings.TrimRight(getEnv("BACKEND_URL", c.Backend.BaseURL), "/")
	c.Backend.EvaluatorTimeout = getEnvAsDuration("BACKEND_EVALUATOR_TIMEOUT", c.Backend.EvaluatorTimeout)
	c.Backend.ProbeTimeout = getEnvAsDuration("BACKEND_PROBE_TIMEOUT", c.Backend.ProbeTimeout)
	c.Backend.Retry.MaxRetries = getEnvAsInt("BACKEND_MAX_RETRIES", c.Backend.Retry.MaxRetries)
	c.Backend.Retry.BaseDelay = getEnvAsDuration("BACKEND_RETRY_BASE_DELAY", c.Backend.Retry.BaseDelay)
	c.Backend.Retry.MaxDelay = getEnvAsDuration("BACKEND_RETRY_MAX_DELAY", c.Backend.Retry.MaxDelay)

	c.Auth.Token = getEnv("AUTH_TOKEN", c.Auth.Token)
	c.Auth.TokenURL = getEnv("AUTH_TOKEN_URL", c.Auth.TokenURL)
	c.Auth.ClientID = getEnv("AUTH_CLIENT_ID", c.Auth.ClientID)
	c.Auth.ClientSecret = getEnv("AUTH_CLIENT_SECRET", c.Auth.ClientSecret)

	c.Polling.HealthInterval = getEnvAsDuration("POLL_HEALTH_INTERVAL", c.Polling.HealthInterval)
	c.Polling.BroadcastInterval = getEnvAsDuration("POLL_BROADCAST_INTERVAL", c.Polling.BroadcastInterval)

	c.Session.StaleBuffer = getEnvAsDuration("SESSION_STALE_BUFFER", c.Session.StaleBuffer)

	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	if c.Auth.ClientID != "" && c.Auth.TokenURL == "" {
		return fmt.Errorf("auth token url is required with a client id")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
