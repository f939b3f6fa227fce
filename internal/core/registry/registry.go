// Package registry owns per-endpoint configuration: lookup, get-or-create,
// validation and patch updates.
package registry

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/calendar"
	"github.com/quotaguard/quotaguard/internal/observability"
)

const shareTolerance = 1e-9

// Store persists endpoint configurations.
// GetConfig returns nil, nil when no config exists.
type Store interface {
	GetConfig(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error)
	CreateConfigIfAbsent(ctx context.Context, cfg *core.EndpointConfig) (*core.EndpointConfig, bool, error)
	SaveConfig(ctx context.Context, cfg *core.EndpointConfig) error
	ListConfigs(ctx context.Context) ([]*core.EndpointConfig, error)
}

// Registry resolves endpoint configurations.
type Registry struct {
	Store  Store
	Clock  func() time.Time
	Logger observability.Logger

	group singleflight.Group
}

// New creates a registry over store.
func New(store Store, logger observability.Logger) *Registry {
	return &Registry{Store: store, Logger: logger}
}

// Lookup returns the config for the key, active or not.
func (r *Registry) Lookup(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error) {
	if r == nil || r.Store == nil {
		return nil, fmt.Errorf("registry is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	cfg, err := r.Store.GetConfig(ctx, key.Endpoint, key.Method)
	if err != nil {
		return nil, fmt.Errorf("lookup config %s: %w", key, err)
	}
	if cfg == nil {
		return nil, &core.NotFoundError{Key: key}
	}
	return cfg, nil
}

// GetOrCreate returns the existing config or persists one built from defaults.
// Concurrent first access for one key performs a single insert.
func (r *Registry) GetOrCreate(ctx context.Context, endpoint, method string, defaults core.Defaults) (*core.EndpointConfig, error) {
	if r == nil || r.Store == nil {
		return nil, fmt.Errorf("registry is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	if key.Endpoint == "" {
		return nil, &core.ValidationError{Problems: []string{"endpoint is required"}}
	}

	existing, err := r.Store.GetConfig(ctx, key.Endpoint, key.Method)
	if err != nil {
		return nil, fmt.Errorf("lookup config %s: %w", key, err)
	}
	if existing != nil {
		return existing, nil
	}

	// The insert is shared by every caller waiting on this key, so it must not
	// end when the first caller goes away.
	sharedCtx := context.WithoutCancel(ctx)
	value, err, _ := r.group.Do(key.String(), func() (any, error) {
		cfg := core.NewEndpointConfig(key, defaults)
		if err := r.Validate(cfg); err != nil {
			return nil, err
		}
		r.BeforeSave(cfg, r.now())

		stored, created, err := r.Store.CreateConfigIfAbsent(sharedCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create config %s: %w", key, err)
		}
		if created {
			observability.OrNop(r.Logger).Info("Created endpoint configuration from defaults",
				zap.String("endpoint", key.Endpoint),
				zap.String("method", key.Method),
				zap.Int("daily_limit", stored.RateLimit.Daily))
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}

	// singleflight shares one pointer between callers.
	return value.(*core.EndpointConfig).Clone(), nil
}

// Update applies patch to an existing config. It fails with a NotFoundError
// when no config exists and with a ValidationError when the result is invalid.
func (r *Registry) Update(ctx context.Context, endpoint, method string, patch core.ConfigPatch) (*core.EndpointConfig, error) {
	current, err := r.Lookup(ctx, endpoint, method)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	updated := current.Clone()
	patch.Apply(updated)
	if err := r.Validate(updated); err != nil {
		return nil, err
	}
	r.BeforeSave(updated, r.now())

	if err := r.Store.SaveConfig(ctx, updated); err != nil {
		return nil, fmt.Errorf("save config %s: %w", updated.Key(), err)
	}
	return updated, nil
}

// Put validates and upserts a complete config.
func (r *Registry) Put(ctx context.Context, cfg *core.EndpointConfig) error {
	if r == nil || r.Store == nil {
		return fmt.Errorf("registry is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.Validate(cfg); err != nil {
		return err
	}
	r.BeforeSave(cfg, r.now())
	if err := r.Store.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save config %s: %w", cfg.Key(), err)
	}
	return nil
}

// Seed inserts each config that does not exist yet and returns how many were
// created. All configs are validated before anything is written.
func (r *Registry) Seed(ctx context.Context, configs []*core.EndpointConfig) (int, error) {
	if r == nil || r.Store == nil {
		return 0, fmt.Errorf("registry is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, cfg := range configs {
		if err := r.Validate(cfg); err != nil {
			return 0, fmt.Errorf("seed %s: %w", cfg.Key(), err)
		}
	}

	created := 0
	for _, cfg := range configs {
		r.BeforeSave(cfg, r.now())
		_, ok, err := r.Store.CreateConfigIfAbsent(ctx, cfg)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", cfg.Key(), err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// List returns all configs.
func (r *Registry) List(ctx context.Context) ([]*core.EndpointConfig, error) {
	if r == nil || r.Store == nil {
		return nil, fmt.Errorf("registry is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return r.Store.ListConfigs(ctx)
}

// Validate enforces the config invariants. Shares must sum to 1.
func (r *Registry) Validate(cfg *core.EndpointConfig) error {
	return Validate(cfg)
}

// Validate enforces the config invariants. Shares must sum to 1.
func Validate(cfg *core.EndpointConfig) error {
	if cfg == nil {
		return &core.ValidationError{Problems: []string{"config is required"}}
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(cfg.Endpoint) == "" {
		add("endpoint is required")
	}
	if !slices.Contains(core.SupportedMethods, strings.ToUpper(strings.TrimSpace(cfg.Method))) {
		add("method %q is not supported", cfg.Method)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		add("base_url is required")
	}

	if cfg.RateLimit.Daily < 1 {
		add("rate_limit.daily must be at least 1")
	}
	if cfg.RateLimit.Hourly != nil && *cfg.RateLimit.Hourly < 1 {
		add("rate_limit.hourly must be at least 1")
	}
	if cfg.RateLimit.Concurrent < 1 {
		add("rate_limit.concurrent must be at least 1")
	}

	if cfg.Cache.TTLSeconds < 0 {
		add("cache.ttl_seconds must not be negative")
	}
	switch cfg.Cache.Strategy {
	case core.CacheStrategySimple, core.CacheStrategySliding, core.CacheStrategyAdaptive:
	default:
		add("cache.strategy %q is not supported", cfg.Cache.Strategy)
	}

	if cfg.Retry.Attempts < 0 {
		add("retry.attempts must not be negative")
	}
	if cfg.Retry.DelayMs < 0 {
		add("retry.delay_ms must not be negative")
	}

	traffic := cfg.Traffic
	if traffic.PeakStart < 0 || traffic.PeakStart > 23 {
		add("traffic.peak_start must be between 0 and 23")
	}
	if traffic.PeakEnd < 0 || traffic.PeakEnd > 23 {
		add("traffic.peak_end must be between 0 and 23")
	}
	if traffic.PeakShare < 0 || traffic.PeakShare > 1 {
		add("traffic.peak_share must be between 0 and 1")
	}
	if traffic.OffPeakShare < 0 || traffic.OffPeakShare > 1 {
		add("traffic.off_peak_share must be between 0 and 1")
	}
	if math.Abs(traffic.PeakShare+traffic.OffPeakShare-1) > shareTolerance {
		add("traffic.peak_share + traffic.off_peak_share must equal 1 (got %g)", traffic.PeakShare+traffic.OffPeakShare)
	}
	if _, err := calendar.Location(traffic.Timezone); err != nil {
		add("traffic.timezone %q is not a valid timezone", traffic.Timezone)
	}

	for _, status := range cfg.Errors.RetryOnStatus {
		if status < 100 || status > 599 {
			add("errors.retry_on_status contains invalid status %d", status)
		}
	}

	if len(problems) > 0 {
		return &core.ValidationError{Problems: problems}
	}
	return nil
}

// BeforeSave normalizes the key and stamps timestamps.
func (r *Registry) BeforeSave(cfg *core.EndpointConfig, now time.Time) {
	if cfg == nil {
		return
	}
	key := core.NewEndpointKey(cfg.Endpoint, cfg.Method)
	cfg.Endpoint = key.Endpoint
	cfg.Method = key.Method
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
}

// IsWithinPeakHours reports whether now falls inside the config's peak window
// in its timezone.
func (r *Registry) IsWithinPeakHours(cfg *core.EndpointConfig, now time.Time) bool {
	if cfg == nil {
		return false
	}
	return IsPeak(cfg.Traffic, now)
}

// IsPeak reports whether now falls inside the traffic peak window.
func IsPeak(traffic core.TrafficPattern, now time.Time) bool {
	loc := calendar.MustLocation(traffic.Timezone)
	return calendar.InWindow(calendar.HourOf(now, loc), traffic.PeakStart, traffic.PeakEnd)
}

// ShouldRetry reports whether status is in the config's retryable set.
func (r *Registry) ShouldRetry(cfg *core.EndpointConfig, status int) bool {
	if cfg == nil {
		return false
	}
	return slices.Contains(cfg.Errors.RetryOnStatus, status)
}

func (r *Registry) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
