// Package config provides centralized configuration management for QuotaGuard.
// It layers configuration the same way for every command:
// Layer 1: built-in defaults (setDefaults)
// Layer 2: an optional YAML file (--config or the XDG config path)
// Layer 3: QUOTAGUARD_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/quotaguard/quotaguard/internal/core"
)

const (
	// AppName names the config and data directories.
	AppName = "quotaguard"

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "QUOTAGUARD"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// Load builds the configuration from defaults, the config file, the
// environment and any runtime overrides (flattened dotted keys).
//
// An empty configFile searches the XDG config directory and ./config for
// config.yaml; a missing file is not an error. An explicit configFile must
// exist.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, configFile string, runtimeOverrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvAliases(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range overrides {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// ConfigFileUsed reports which file Load would read for configFile, or ""
// when none is found.
func ConfigFileUsed(configFile string) string {
	if strings.TrimSpace(configFile) != "" {
		return configFile
	}
	candidates := []string{}
	if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
		candidates = append(candidates, filepath.Join(dir, "config.yaml"))
	}
	candidates = append(candidates, filepath.Join("config", "config.yaml"))
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// bindEnvAliases maps the short environment names onto config keys. The
// fully qualified QUOTAGUARD_<SECTION>_<KEY> form works for every key.
func bindEnvAliases(v *viper.Viper) error {
	aliases := map[string]string{
		"server.host":      "HOST",
		"server.port":      "PORT",
		"logging.level":    "LOG_LEVEL",
		"logging.profile":  "LOG_PROFILE",
		"store.driver":     "DB_DRIVER",
		"store.path":       "DB_PATH",
		"store.url":        "DB_URL",
		"store.auth_token": "DB_AUTH_TOKEN",
		"cache.redis.addr": "REDIS_ADDR",
		"admin.token":      "ADMIN_TOKEN",
	}
	for key, alias := range aliases {
		full := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(key, full, EnvPrefix+"_"+alias); err != nil {
			return err
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "45s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", "quotaguard:cache:")
	v.SetDefault("cache.redis.timeout", "2s")

	// Endpoint defaults
	v.SetDefault("defaults.base_url", "")
	v.SetDefault("defaults.max_hits_per_day", 500)
	v.SetDefault("defaults.concurrent_limit", 1)
	v.SetDefault("defaults.cache_enabled", true)
	v.SetDefault("defaults.cache_ttl", "1h")
	v.SetDefault("defaults.cache_strategy", string(core.CacheStrategySimple))
	v.SetDefault("defaults.retry_attempts", 3)
	v.SetDefault("defaults.retry_delay", "1s")
	v.SetDefault("defaults.retry_backoff", true)
	v.SetDefault("defaults.retry_on_status", append([]int(nil), core.DefaultRetryStatuses...))
	v.SetDefault("defaults.traffic.peak_start", 9)
	v.SetDefault("defaults.traffic.peak_end", 17)
	v.SetDefault("defaults.traffic.peak_share", 0.7)
	v.SetDefault("defaults.traffic.off_peak_share", 0.3)
	v.SetDefault("defaults.traffic.timezone", "UTC")

	// Upstream defaults
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.max_response_size", 10<<20)
	v.SetDefault("upstream.user_agent", "quotaguard")

	// Admin defaults
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 5.0)
	v.SetDefault("admin.rate_burst", 10)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	v.SetDefault("endpoints_file", "")
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "libsql", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be libsql or sqlite, got %q", c.Store.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend must be memory or redis, got %q", c.Cache.Backend))
	}

	d := c.Defaults
	if d.MaxHitsPerDay < 1 {
		problems = append(problems, "defaults.max_hits_per_day must be at least 1")
	}
	if d.ConcurrentLimit < 1 {
		problems = append(problems, "defaults.concurrent_limit must be at least 1")
	}
	switch core.CacheStrategy(strings.ToLower(d.CacheStrategy)) {
	case core.CacheStrategySimple, core.CacheStrategySliding, core.CacheStrategyAdaptive:
	default:
		problems = append(problems, fmt.Sprintf("defaults.cache_strategy is invalid: %q", d.CacheStrategy))
	}
	if d.CacheTTL < 0 || d.RetryDelay < 0 || d.RetryAttempts < 0 {
		problems = append(problems, "defaults cache_ttl, retry_delay and retry_attempts must not be negative")
	}

	t := d.Traffic
	if t.PeakStart < 0 || t.PeakStart > 23 || t.PeakEnd < 0 || t.PeakEnd > 23 {
		problems = append(problems, "defaults.traffic peak hours must be within 0-23")
	}
	if t.PeakShare < 0 || t.PeakShare > 1 || t.OffPeakShare < 0 || t.OffPeakShare > 1 {
		problems = append(problems, "defaults.traffic shares must be within 0-1")
	}
	if math.Abs(t.PeakShare+t.OffPeakShare-1) > 1e-9 {
		problems = append(problems, fmt.Sprintf("defaults.traffic peak_share + off_peak_share must equal 1, got %g", t.PeakShare+t.OffPeakShare))
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("defaults.traffic.timezone is invalid: %q", t.Timezone))
	}

	if c.Admin.RateLimit < 0 || c.Admin.RateBurst < 0 {
		problems = append(problems, "admin rate_limit and rate_burst must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EndpointDefaults converts the defaults section into the values used to seed
// endpoint configs created on first access.
func (c *Config) EndpointDefaults() core.Defaults {
	if c == nil {
		return core.DefaultDefaults()
	}
	d := c.Defaults
	out := core.Defaults{
		BaseURL:         strings.TrimSpace(d.BaseURL),
		DailyLimit:      d.MaxHitsPerDay,
		ConcurrentLimit: d.ConcurrentLimit,
		CacheEnabled:    d.CacheEnabled,
		CacheTTL:        d.CacheTTL,
		CacheStrategy:   core.CacheStrategy(strings.ToLower(strings.TrimSpace(d.CacheStrategy))),
		RetryAttempts:   d.RetryAttempts,
		RetryDelay:      d.RetryDelay,
		RetryBackoff:    d.RetryBackoff,
		Traffic: core.TrafficPattern{
			PeakStart:    d.Traffic.PeakStart,
			PeakEnd:      d.Traffic.PeakEnd,
			PeakShare:    d.Traffic.PeakShare,
			OffPeakShare: d.Traffic.OffPeakShare,
			Timezone:     d.Traffic.Timezone,
		},
		RetryOnStatus: append([]int(nil), d.RetryOnStatus...),
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
