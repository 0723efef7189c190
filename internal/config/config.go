// Package config loads and validates the management console configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the APIM_ prefix (e.g., APIM_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Plans         PlansConfig         `mapstructure:"plans"`
	Groups        GroupsConfig        `mapstructure:"groups"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// PlansConfig holds plan-related feature flags. A disabled security type
// cannot be used when creating new plans; existing plans are unaffected.
type PlansConfig struct {
	Security PlanSecurityConfig `mapstructure:"security"`
}

// PlanSecurityConfig toggles the plan security types available for new plans
type PlanSecurityConfig struct {
	APIKeyEnabled  bool `mapstructure:"api_key_enabled"`
	OAuth2Enabled  bool `mapstructure:"oauth2_enabled"`
	JWTEnabled     bool `mapstructure:"jwt_enabled"`
	KeylessEnabled bool `mapstructure:"keyless_enabled"`
}

// GroupsConfig holds group membership cache configuration
type GroupsConfig struct {
	// CacheTTLSeconds is how long resolved group memberships stay cached
	// before a fresh lookup is required (default 60)
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit logging is active
	Enabled bool `mapstructure:"enabled"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type string `mapstructure:"type"`
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// NotificationsConfig holds settings for outbound hook and expiry notifications
type NotificationsConfig struct {
	// Enabled globally toggles outbound notifications
	Enabled bool `mapstructure:"enabled"`
	// WebhookURL receives lifecycle hook events; empty disables webhook delivery
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookTimeoutSecs is the per-delivery HTTP timeout (default 10)
	WebhookTimeoutSecs int `mapstructure:"webhook_timeout_secs"`
	// SMTP holds the outbound mail server settings for expiry warning emails
	SMTP SMTPConfig `mapstructure:"smtp"`
	// ExpiryWarningDays is how many days before expiry to send the warning (default 7)
	ExpiryWarningDays int `mapstructure:"expiry_warning_days"`
	// ExpiryCheckIntervalHours determines how often the expiry check jobs run (default 24)
	ExpiryCheckIntervalHours int `mapstructure:"expiry_check_interval_hours"`
	// OperatorEmail receives expiry warning emails; empty disables email delivery
	OperatorEmail string `mapstructure:"operator_email"`
}

// SMTPConfig holds outbound mail server configuration for notification emails
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port int `mapstructure:"port"`
	// Username for SMTP authentication
	Username string `mapstructure:"username"`
	// Password for SMTP authentication
	Password string `mapstructure:"password"`
	// From is the sender address shown in notification emails
	From string `mapstructure:"from"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Plans
		"plans.security.api_key_enabled",
		"plans.security.oauth2_enabled",
		"plans.security.jwt_enabled",
		"plans.security.keyless_enabled",

		// Groups
		"groups.cache_ttl_seconds",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",

		// Notifications
		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.webhook_timeout_secs",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
		"notifications.expiry_warning_days",
		"notifications.expiry_check_interval_hours",
		"notifications.operator_email",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apim-management")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("APIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "apim_management")
	v.SetDefault("database.user", "apim")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Plans defaults — every security type is allowed unless disabled
	v.SetDefault("plans.security.api_key_enabled", true)
	v.SetDefault("plans.security.oauth2_enabled", true)
	v.SetDefault("plans.security.jwt_enabled", true)
	v.SetDefault("plans.security.keyless_enabled", true)

	// Groups defaults
	v.SetDefault("groups.cache_ttl_seconds", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "apim-management")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.webhook_timeout_secs", 10)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
	v.SetDefault("notifications.expiry_warning_days", 7)
	v.SetDefault("notifications.expiry_check_interval_hours", 24)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// At least one plan security type must remain enabled, otherwise no new
	// plan can ever be created.
	sec := c.Plans.Security
	if !sec.APIKeyEnabled && !sec.OAuth2Enabled && !sec.JWTEnabled && !sec.KeylessEnabled {
		return fmt.Errorf("plans.security: at least one security type must be enabled")
	}

	if c.Groups.CacheTTLSeconds < 0 {
		return fmt.Errorf("groups.cache_ttl_seconds must not be negative")
	}

	// Validate telemetry
	if c.Telemetry.Metrics.Enabled {
		if c.Telemetry.Metrics.PrometheusPort < 1 || c.Telemetry.Metrics.PrometheusPort > 65535 {
			return fmt.Errorf("invalid telemetry.metrics.prometheus_port: %d", c.Telemetry.Metrics.PrometheusPort)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// IsSecurityEnabled reports whether new plans may use the given security type.
func (c *PlanSecurityConfig) IsSecurityEnabled(security string) bool {
	switch security {
	case "API_KEY":
		return c.APIKeyEnabled
	case "OAUTH2":
		return c.OAuth2Enabled
	case "JWT":
		return c.JWTEnabled
	case "KEY_LESS":
		return c.KeylessEnabled
	default:
		return false
	}
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
