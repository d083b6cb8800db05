// Package config reads the relay configuration from the environment.
// A .env file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Sink      SinkConfig
	Health    HealthConfig
	Admin     AdminConfig
	OAuth     OAuthConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int           // APP_PORT
	PublicURL         string        // APP_URL
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Addr returns the listen address for net/http.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	DSN             string        // DSN
	AutoMigrate     bool          // AUTO_MIGRATE
	PoolMax         int           // DB_POOL_MAX
	PoolIdleTimeout time.Duration // DB_POOL_IDLE_TIMEOUT
	ConnectTimeout  time.Duration // DB_POOL_CONNECT_TIMEOUT
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL                   string // REDIS_URL, redis:// or rediss://
	TLSRejectUnauthorized bool   // REDIS_TLS_REJECT_UNAUTHORIZED
}

// SessionConfig holds session-manager settings.
type SessionConfig struct {
	TTL           time.Duration // SESSION_TTL, seconds
	StoreMessages bool          // STORE_SESSION_MESSAGES
}

// RateLimitConfig holds the rate-limit master switch.
type RateLimitConfig struct {
	Enabled bool // ENABLE_RATE_LIMIT
}

// BreakerConfig holds circuit-breaker classification settings.
type BreakerConfig struct {
	CountNetworkErrors bool // ENABLE_CIRCUIT_BREAKER_ON_NETWORK_ERRORS
}

// Usage sink write modes.
const (
	WriteModeAsync = "async"
	WriteModeSync  = "sync"
)

// SinkConfig holds usage-sink settings.
type SinkConfig struct {
	WriteMode     string        // MESSAGE_REQUEST_WRITE_MODE
	FlushInterval time.Duration // MESSAGE_REQUEST_ASYNC_FLUSH_INTERVAL_MS
	BatchSize     int           // MESSAGE_REQUEST_ASYNC_BATCH_SIZE
	MaxPending    int           // MESSAGE_REQUEST_ASYNC_MAX_PENDING
}

// HealthConfig holds provider-probe settings.
type HealthConfig struct {
	ProbeTimeout time.Duration // API_TEST_TIMEOUT_MS
}

// AdminConfig holds the admin API credential.
type AdminConfig struct {
	Token string // ADMIN_TOKEN; empty disables the admin API
}

// OAuthConfig overrides the OAuth client identity used to refresh
// claude-auth and gemini-cli provider credentials. Empty values keep the
// official CLI identities.
type OAuthConfig struct {
	AnthropicClientID  string // CLAUDE_OAUTH_CLIENT_ID
	GoogleClientID     string // GEMINI_OAUTH_CLIENT_ID
	GoogleClientSecret string // GEMINI_OAUTH_CLIENT_SECRET
}

// TelemetryConfig controls OpenTelemetry tracing. Tracing is enabled by
// setting OTEL_EXPORTER_OTLP_ENDPOINT.
type TelemetryConfig struct {
	ServiceName string  // OTEL_SERVICE_NAME
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT
	SampleRate  float64 // OTEL_TRACES_SAMPLER_ARG
}

// Enabled reports whether a trace exporter is configured.
func (t TelemetryConfig) Enabled() bool { return t.Endpoint != "" }

// Load reads the environment contract, loading .env first when present.
// Parse failures on individual variables abort the boot with a named error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:              8787,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			AutoMigrate:     true,
			PoolMax:         10,
			PoolIdleTimeout: 60 * time.Second,
			ConnectTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			TLSRejectUnauthorized: true,
		},
		Session: SessionConfig{
			TTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{Enabled: true},
		Sink: SinkConfig{
			WriteMode:     WriteModeAsync,
			FlushInterval: 250 * time.Millisecond,
			BatchSize:     200,
			MaxPending:    5000,
		},
		Health: HealthConfig{
			ProbeTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cch",
			SampleRate:  1.0,
		},
	}

	var err error
	cfg.Server.Port, err = envInt("APP_PORT", cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.PublicURL = os.Getenv("APP_URL")

	cfg.Database.DSN = os.Getenv("DSN")
	cfg.Database.AutoMigrate, err = envBool("AUTO_MIGRATE", cfg.Database.AutoMigrate)
	if err != nil {
		return nil, err
	}
	cfg.Database.PoolMax, err = envInt("DB_POOL_MAX", cfg.Database.PoolMax)
	if err != nil {
		return nil, err
	}
	cfg.Database.PoolIdleTimeout, err = envSeconds("DB_POOL_IDLE_TIMEOUT", cfg.Database.PoolIdleTimeout)
	if err != nil {
		return nil, err
	}
	cfg.Database.ConnectTimeout, err = envSeconds("DB_POOL_CONNECT_TIMEOUT", cfg.Database.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.Redis.TLSRejectUnauthorized, err = envBool("REDIS_TLS_REJECT_UNAUTHORIZED", cfg.Redis.TLSRejectUnauthorized)
	if err != nil {
		return nil, err
	}

	cfg.Session.TTL, err = envSeconds("SESSION_TTL", cfg.Session.TTL)
	if err != nil {
		return nil, err
	}
	cfg.Session.StoreMessages, err = envBool("STORE_SESSION_MESSAGES", cfg.Session.StoreMessages)
	if err != nil {
		return nil, err
	}

	cfg.RateLimit.Enabled, err = envBool("ENABLE_RATE_LIMIT", cfg.RateLimit.Enabled)
	if err != nil {
		return nil, err
	}
	cfg.Breaker.CountNetworkErrors, err = envBool("ENABLE_CIRCUIT_BREAKER_ON_NETWORK_ERRORS", cfg.Breaker.CountNetworkErrors)
	if err != nil {
		return nil, err
	}

	cfg.Sink.WriteMode = envString("MESSAGE_REQUEST_WRITE_MODE", cfg.Sink.WriteMode)
	if cfg.Sink.WriteMode != WriteModeAsync && cfg.Sink.WriteMode != WriteModeSync {
		return nil, fmt.Errorf("parse MESSAGE_REQUEST_WRITE_MODE: %q is not async or sync", cfg.Sink.WriteMode)
	}
	cfg.Sink.FlushInterval, err = envMillis("MESSAGE_REQUEST_ASYNC_FLUSH_INTERVAL_MS", cfg.Sink.FlushInterval)
	if err != nil {
		return nil, err
	}
	cfg.Sink.BatchSize, err = envInt("MESSAGE_REQUEST_ASYNC_BATCH_SIZE", cfg.Sink.BatchSize)
	if err != nil {
		return nil, err
	}
	cfg.Sink.MaxPending, err = envInt("MESSAGE_REQUEST_ASYNC_MAX_PENDING", cfg.Sink.MaxPending)
	if err != nil {
		return nil, err
	}

	cfg.Health.ProbeTimeout, err = envMillis("API_TEST_TIMEOUT_MS", cfg.Health.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	cfg.Admin.Token = os.Getenv("ADMIN_TOKEN")

	cfg.OAuth.AnthropicClientID = os.Getenv("CLAUDE_OAUTH_CLIENT_ID")
	cfg.OAuth.GoogleClientID = os.Getenv("GEMINI_OAUTH_CLIENT_ID")
	cfg.OAuth.GoogleClientSecret = os.Getenv("GEMINI_OAUTH_CLIENT_SECRET")

	cfg.Telemetry.ServiceName = envString("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Telemetry.SampleRate, err = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.Telemetry.SampleRate)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DSN is required"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return def, err
	}
	return time.Duration(n) * time.Second, nil
}

// envMillis reads an integer number of milliseconds.
func envMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Millisecond))
	if err != nil {
		return def, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
