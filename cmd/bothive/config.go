package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Platform PlatformConfig `mapstructure:"platform"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Billing  BillingConfig  `mapstructure:"billing"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// SharedSecret is an optional secret to validate X-Gateway-Secret.
	// If empty, secret validation is skipped.
	SharedSecret string `mapstructure:"shared_secret"`
}

// PlatformConfig holds the hosting platform gateway configuration.
type PlatformConfig struct {
	// BaseURL is the base URL of the platform API, e.g. "http://localhost:8000/api/v1".
	BaseURL string `mapstructure:"base_url"`

	// APIKey is the bearer token for authenticating with the platform.
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds individual platform API calls.
	Timeout time.Duration `mapstructure:"timeout"`
}

// PaymentsConfig holds the billing provider API configuration.
type PaymentsConfig struct {
	// BaseURL is the base URL of the payments provider API.
	BaseURL string `mapstructure:"base_url"`

	// APIKey is the secret key for authenticating with the provider.
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds individual provider API calls.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BillingConfig holds checkout and webhook configuration.
type BillingConfig struct {
	// PriceTiers maps provider price IDs to tier names (HOBBY, PRO, ...).
	// Unknown price IDs are rejected at checkout.
	PriceTiers map[string]string `mapstructure:"price_tiers"`

	// SuccessURL and CancelURL terminate hosted checkout flows.
	SuccessURL string `mapstructure:"success_url"`
	CancelURL  string `mapstructure:"cancel_url"`

	// ReturnURL terminates billing portal sessions.
	ReturnURL string `mapstructure:"return_url"`

	// WebhookSecret validates provider webhook calls.
	// If empty, validation is skipped.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// GitHubConfig holds GitHub webhook configuration.
type GitHubConfig struct {
	// WebhookSecret validates push webhook calls.
	// If empty, validation is skipped.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// DeployConfig holds deployment orchestration configuration.
type DeployConfig struct {
	// Timeout bounds a detached deployment from trigger to completion.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds status sync worker configuration.
type SyncConfig struct {
	// Enabled determines if the periodic status sync worker runs.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to sweep deployed bots.
	Interval time.Duration `mapstructure:"interval"`

	// BotTimeout is the timeout for syncing a single bot.
	BotTimeout time.Duration `mapstructure:"bot_timeout"`

	// MaxConcurrent is the max number of concurrent bot syncs.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/bothive.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.shared_secret", "")

	// Platform gateway defaults
	v.SetDefault("platform.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("platform.api_key", "")
	v.SetDefault("platform.timeout", "30s")

	// Payments provider defaults
	v.SetDefault("payments.base_url", "https://api.stripe.com/v1")
	v.SetDefault("payments.api_key", "")
	v.SetDefault("payments.timeout", "15s")

	// Billing defaults
	v.SetDefault("billing.price_tiers", map[string]string{})
	v.SetDefault("billing.success_url", "http://localhost:3000/billing/success")
	v.SetDefault("billing.cancel_url", "http://localhost:3000/billing/cancel")
	v.SetDefault("billing.return_url", "http://localhost:3000/billing")
	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("github.webhook_secret", "")

	// Orchestration defaults
	v.SetDefault("deploy.timeout", "5m")
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.bot_timeout", "10s")
	v.SetDefault("sync.max_concurrent", 5)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("BOTHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
