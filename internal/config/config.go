package config

import (
	"time"
)

// Config represents the complete application configuration.
// Layer 1: built-in defaults (setDefaults)
// Layer 2: optional YAML config file
// Layer 3: environment variables (QUOTAGUARD_*) and runtime overrides
type Config struct {
	Server        ServerConfig   `mapstructure:"server"`
	Store         StoreConfig    `mapstructure:"store"`
	Cache         CacheConfig    `mapstructure:"cache"`
	Defaults      DefaultsConfig `mapstructure:"defaults"`
	Upstream      UpstreamConfig `mapstructure:"upstream"`
	Admin         AdminConfig    `mapstructure:"admin"`
	Logging       LoggingConfig  `mapstructure:"logging"`
	Metrics       MetricsConfig  `mapstructure:"metrics"`
	Health        HealthConfig   `mapstructure:"health"`
	EndpointsFile string         `mapstructure:"endpoints_file"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds a proxied request end to end, including retries.
	// Zero disables the deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxBodyBytes limits inbound request bodies forwarded upstream.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// StoreConfig contains database configuration.
// Driver is libsql (default, Turso/libsql or local file) or sqlite (pure Go).
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// CacheConfig selects and sizes the response cache backend.
type CacheConfig struct {
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultsConfig seeds endpoint configs created on first access.
type DefaultsConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	Headers         map[string]string `mapstructure:"headers"`
	MaxHitsPerDay   int               `mapstructure:"max_hits_per_day"`
	ConcurrentLimit int               `mapstructure:"concurrent_limit"`
	CacheEnabled    bool              `mapstructure:"cache_enabled"`
	CacheTTL        time.Duration     `mapstructure:"cache_ttl"`
	CacheStrategy   string            `mapstructure:"cache_strategy"`
	RetryAttempts   int               `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration     `mapstructure:"retry_delay"`
	RetryBackoff    bool              `mapstructure:"retry_backoff"`
	RetryOnStatus   []int             `mapstructure:"retry_on_status"`
	Traffic         TrafficConfig     `mapstructure:"traffic"`
}

// TrafficConfig describes the default peak window and quota distribution.
type TrafficConfig struct {
	PeakStart    int     `mapstructure:"peak_start"`
	PeakEnd      int     `mapstructure:"peak_end"`
	PeakShare    float64 `mapstructure:"peak_share"`
	OffPeakShare float64 `mapstructure:"off_peak_share"`
	Timezone     string  `mapstructure:"timezone"`
}

// UpstreamConfig configures the outbound HTTP transport.
type UpstreamConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxResponseSize int64         `mapstructure:"max_response_size"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// AdminConfig protects the admin API.
// The admin routes are only registered when Token is set.
type AdminConfig struct {
	Token     string  `mapstructure:"token"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}
