// Package cache implements the response cache: canonical keys, TTL strategies
// and fault isolation over a pluggable backend.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// MaxAdaptiveTTL caps TTLs stretched by the adaptive strategy.
const MaxAdaptiveTTL = 24 * time.Hour

// Provider is a TTL-aware byte store. A zero TTL means no expiry.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// Stats is a best-effort snapshot of cache activity.
type Stats struct {
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Sets    int64  `json:"sets"`
	Deletes int64  `json:"deletes"`
	Faults  int64  `json:"faults"`
}

// Quota is the quota position used by the adaptive strategy.
type Quota struct {
	DailyLimit int
	Remaining  int
}

// entry is the stored envelope. Sliding entries carry their TTL so reads can
// re-arm it.
type entry struct {
	Payload    json.RawMessage `json:"p"`
	TTLSeconds int64           `json:"t,omitempty"`
	Sliding    bool            `json:"s,omitempty"`
}

// Cache is safe for concurrent use. Backend failures never reach callers: they
// are logged, counted and reported as a miss or false.
type Cache struct {
	provider Provider
	logger   observability.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	faults  atomic.Int64
}

// New wraps provider.
func New(provider Provider, logger observability.Logger) *Cache {
	return &Cache{provider: provider, logger: observability.OrNop(logger)}
}

// Key derives the canonical cache key for endpoint and params. Parameter order
// does not affect the key.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteString(":{")
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(name)
		v, _ := json.Marshal(params[name])
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.String()
}

// Get returns the payload stored under key. Expired entries are absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.provider == nil {
		return nil, false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	raw, ok, err := c.provider.Get(ctx, key)
	if err != nil {
		c.fault("get", key, err)
		c.misses.Inc()
		return nil, false
	}
	if !ok {
		c.misses.Inc()
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.fault("decode", key, err)
		c.misses.Inc()
		return nil, false
	}

	if e.Sliding && e.TTLSeconds > 0 {
		if err := c.provider.Expire(ctx, key, time.Duration(e.TTLSeconds)*time.Second); err != nil {
			c.fault("expire", key, err)
		}
	}

	c.hits.Inc()
	return []byte(e.Payload), true
}

// Set stores value with a fixed TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	return c.store(ctx, key, value, ttl, false)
}

// SetWithPolicy stores value using the endpoint's cache strategy.
func (c *Cache) SetWithPolicy(ctx context.Context, key string, value []byte, policy core.CachePolicy, quota Quota) bool {
	ttl := EffectiveTTL(policy, quota)
	return c.store(ctx, key, value, ttl, policy.Strategy == core.CacheStrategySliding)
}

// EffectiveTTL returns the TTL the policy assigns at store time. The adaptive
// strategy stretches the base TTL by dailyLimit/remaining so scarce quota keeps
// data longer.
func EffectiveTTL(policy core.CachePolicy, quota Quota) time.Duration {
	ttl := policy.TTL()
	if policy.Strategy != core.CacheStrategyAdaptive || ttl <= 0 || quota.DailyLimit <= 0 {
		return ttl
	}
	if quota.Remaining <= 0 {
		return MaxAdaptiveTTL
	}
	scaled := time.Duration(float64(ttl) * float64(quota.DailyLimit) / float64(quota.Remaining))
	if scaled > MaxAdaptiveTTL {
		return MaxAdaptiveTTL
	}
	if scaled < ttl {
		return ttl
	}
	return scaled.Truncate(time.Second)
}

// Has reports whether a live entry exists for key.
func (c *Cache) Has(ctx context.Context, key string) bool {
	if c == nil || c.provider == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, ok, err := c.provider.Get(ctx, key)
	if err != nil {
		c.fault("has", key, err)
		return false
	}
	return ok
}

// Delete removes key and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if c == nil || c.provider == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ok, err := c.provider.Delete(ctx, key)
	if err != nil {
		c.fault("delete", key, err)
		return false
	}
	if ok {
		c.deletes.Inc()
	}
	return ok
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) {
	if c == nil || c.provider == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.provider.Clear(ctx); err != nil {
		c.fault("clear", "", err)
	}
}

// Stats returns counters and the backend entry count.
func (c *Cache) Stats(ctx context.Context) Stats {
	if c == nil || c.provider == nil {
		return Stats{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := c.provider.Len(ctx)
	if err != nil {
		c.fault("len", "", err)
	}
	return Stats{
		Backend: c.provider.Name(),
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Faults:  c.faults.Load(),
	}
}

// Ping checks the backend by reading a sentinel key.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.provider == nil {
		return nil
	}
	_, _, err := c.provider.Get(ctx, "quotaguard:ping")
	return err
}

func (c *Cache) store(ctx context.Context, key string, value []byte, ttl time.Duration, sliding bool) bool {
	if c == nil || c.provider == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !json.Valid(value) {
		encoded, err := json.Marshal(string(value))
		if err != nil {
			c.fault("encode", key, err)
			return false
		}
		value = encoded
	}

	raw, err := json.Marshal(entry{
		Payload:    value,
		TTLSeconds: int64(ttl / time.Second),
		Sliding:    sliding,
	})
	if err != nil {
		c.fault("encode", key, err)
		return false
	}

	if err := c.provider.Set(ctx, key, raw, ttl); err != nil {
		c.fault("set", key, err)
		return false
	}
	c.sets.Inc()
	return true
}

func (c *Cache) fault(op, key string, err error) {
	c.faults.Inc()
	metrics.RecordCacheFault(c.provider.Name(), op)
	c.logger.Warn("Cache operation failed",
		zap.String("backend", c.provider.Name()),
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
}
