// Package config loads console configuration from environment
// variables with sensible defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Handoff       HandoffConfig
	Apps          AppsConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PostgresConfig holds database settings.
type PostgresConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// RedisConfig holds session store settings.
type RedisConfig struct {
	URL string
}

// AuthConfig holds sign-in and session settings.
type AuthConfig struct {
	SessionTTL    time.Duration
	TempTokenTTL  time.Duration
	SecureCookies bool
}

// HandoffConfig holds authorization handoff settings.
type HandoffConfig struct {
	GrantTTL    time.Duration
	LandingPath string
}

// AppsConfig holds the application registry settings.
type AppsConfig struct {
	RegistryPath string
	WatchEnabled bool
}

// ArchiveConfig holds the audit archive target.
type ArchiveConfig struct {
	Enabled      bool
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("TENANTGATE_HOST", "0.0.0.0"),
			Port:            getEnv("TENANTGATE_PORT", "8080"),
			BaseURL:         getEnv("TENANTGATE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("TENANTGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("TENANTGATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("TENANTGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("TENANTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("TENANTGATE_HEALTH_PORT", "9090"),
		},
		Postgres: PostgresConfig{
			URL:      getEnv("TENANTGATE_POSTGRES_URL", "postgres://localhost:5432/tenantgate?sslmode=disable"),
			MaxConns: getEnvInt("TENANTGATE_POSTGRES_MAX_CONNS", 25),
			MinConns: getEnvInt("TENANTGATE_POSTGRES_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			URL: getEnv("TENANTGATE_REDIS_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			SessionTTL:    getEnvDuration("TENANTGATE_SESSION_TTL", 24*time.Hour),
			TempTokenTTL:  getEnvDuration("TENANTGATE_TEMP_TOKEN_TTL", 10*time.Minute),
			SecureCookies: getEnvBool("TENANTGATE_SECURE_COOKIES", true),
		},
		Handoff: HandoffConfig{
			GrantTTL:    getEnvDuration("TENANTGATE_GRANT_TTL", 2*time.Minute),
			LandingPath: getEnv("TENANTGATE_LANDING_PATH", "/dashboard"),
		},
		Apps: AppsConfig{
			RegistryPath: getEnv("TENANTGATE_APPS_REGISTRY", "/etc/tenantgate/applications.yaml"),
			WatchEnabled: getEnvBool("TENANTGATE_APPS_WATCH", true),
		},
		Archive: ArchiveConfig{
			Enabled:      getEnvBool("TENANTGATE_ARCHIVE_ENABLED", false),
			Bucket:       getEnv("TENANTGATE_ARCHIVE_BUCKET", ""),
			Region:       getEnv("TENANTGATE_ARCHIVE_REGION", "us-east-1"),
			Endpoint:     getEnv("TENANTGATE_ARCHIVE_ENDPOINT", ""),
			AccessKey:    getEnv("TENANTGATE_ARCHIVE_ACCESS_KEY", ""),
			SecretKey:    getEnv("TENANTGATE_ARCHIVE_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("TENANTGATE_ARCHIVE_PATH_STYLE", false),
			Prefix:       getEnv("TENANTGATE_ARCHIVE_PREFIX", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(strings.ToLower(getEnv("TENANTGATE_LOG_LEVEL", "info"))),
			MetricsEnabled:     getEnvBool("TENANTGATE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("TENANTGATE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("TENANTGATE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("TENANTGATE_OTEL_SERVICE_NAME", "tenantgate"),
			OTelServiceVersion: getEnv("TENANTGATE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("TENANTGATE_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Handoff.GrantTTL <= 0 {
		return fmt.Errorf("grant TTL must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archive is enabled")
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
