package core

import (
	"strings"
	"time"
)

// CacheStrategy controls how cache TTLs are applied for an endpoint.
type CacheStrategy string

const (
	CacheStrategySimple   CacheStrategy = "simple"
	CacheStrategySliding  CacheStrategy = "sliding"
	CacheStrategyAdaptive CacheStrategy = "adaptive"
)

// SupportedMethods lists the HTTP methods an endpoint config may declare.
var SupportedMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// DefaultRetryStatuses are the upstream statuses retried when a config does not
// declare its own set.
var DefaultRetryStatuses = []int{408, 429, 500, 502, 503, 504}

// EndpointKey identifies an endpoint configuration and its hit record.
type EndpointKey struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Method   string `json:"method" yaml:"method"`
}

// NewEndpointKey normalizes the endpoint path and method.
func NewEndpointKey(endpoint, method string) EndpointKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	return EndpointKey{
		Endpoint: strings.TrimSpace(endpoint),
		Method:   method,
	}
}

func (k EndpointKey) String() string {
	return k.Method + " " + k.Endpoint
}

// RateLimit bounds upstream usage for an endpoint.
type RateLimit struct {
	Daily      int  `json:"daily" yaml:"daily"`
	Hourly     *int `json:"hourly,omitempty" yaml:"hourly,omitempty"`
	Concurrent int  `json:"concurrent" yaml:"concurrent"`
}

// CachePolicy controls response caching for an endpoint.
type CachePolicy struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	TTLSeconds int           `json:"ttl_seconds" yaml:"ttl_seconds"`
	Strategy   CacheStrategy `json:"strategy" yaml:"strategy"`
}

// TTL returns the policy TTL as a duration.
func (p CachePolicy) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// RetryPolicy controls upstream retries for an endpoint.
type RetryPolicy struct {
	Attempts int  `json:"attempts" yaml:"attempts"`
	DelayMs  int  `json:"delay_ms" yaml:"delay_ms"`
	Backoff  bool `json:"backoff" yaml:"backoff"`
}

// TrafficPattern describes the peak window and quota distribution.
type TrafficPattern struct {
	PeakStart    int     `json:"peak_start" yaml:"peak_start"`
	PeakEnd      int     `json:"peak_end" yaml:"peak_end"`
	PeakShare    float64 `json:"peak_share" yaml:"peak_share"`
	OffPeakShare float64 `json:"off_peak_share" yaml:"off_peak_share"`
	Timezone     string  `json:"timezone" yaml:"timezone"`
}

// ErrorPolicy controls which upstream failures are retried and what is served
// when they are exhausted.
type ErrorPolicy struct {
	RetryOnStatus    []int          `json:"retry_on_status" yaml:"retry_on_status"`
	FallbackResponse *FallbackValue `json:"fallback_response,omitempty" yaml:"fallback_response,omitempty"`
}

// EndpointConfig is the persisted configuration for one (endpoint, method).
type EndpointConfig struct {
	Endpoint  string            `json:"endpoint" yaml:"endpoint"`
	Method    string            `json:"method" yaml:"method"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RateLimit RateLimit         `json:"rate_limit" yaml:"rate_limit"`
	Cache     CachePolicy       `json:"cache" yaml:"cache"`
	Retry     RetryPolicy       `json:"retry" yaml:"retry"`
	Traffic   TrafficPattern    `json:"traffic" yaml:"traffic"`
	Errors    ErrorPolicy       `json:"errors" yaml:"errors"`
	Active    bool              `json:"active" yaml:"active"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// Key returns the normalized key of the config.
func (c *EndpointConfig) Key() EndpointKey {
	if c == nil {
		return EndpointKey{}
	}
	return NewEndpointKey(c.Endpoint, c.Method)
}

// Clone returns a deep copy of the config.
func (c *EndpointConfig) Clone() *EndpointConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.RateLimit.Hourly != nil {
		hourly := *c.RateLimit.Hourly
		out.RateLimit.Hourly = &hourly
	}
	if c.Errors.RetryOnStatus != nil {
		out.Errors.RetryOnStatus = append([]int(nil), c.Errors.RetryOnStatus...)
	}
	if c.Errors.FallbackResponse != nil {
		fallback := c.Errors.FallbackResponse.Clone()
		out.Errors.FallbackResponse = &fallback
	}
	return &out
}

// Defaults seeds newly created endpoint configs.
type Defaults struct {
	BaseURL         string
	Headers         map[string]string
	DailyLimit      int
	ConcurrentLimit int
	CacheEnabled    bool
	CacheTTL        time.Duration
	CacheStrategy   CacheStrategy
	RetryAttempts   int
	RetryDelay      time.Duration
	RetryBackoff    bool
	Traffic         TrafficPattern
	RetryOnStatus   []int
}

// DefaultDefaults mirrors the stock service defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		DailyLimit:      500,
		ConcurrentLimit: 1,
		CacheEnabled:    true,
		CacheTTL:        time.Hour,
		CacheStrategy:   CacheStrategySimple,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		RetryBackoff:    true,
		Traffic: TrafficPattern{
			PeakStart:    9,
			PeakEnd:      17,
			PeakShare:    0.7,
			OffPeakShare: 0.3,
			Timezone:     "UTC",
		},
		RetryOnStatus: append([]int(nil), DefaultRetryStatuses...),
	}
}

// NewEndpointConfig builds an active config for key from defaults.
func NewEndpointConfig(key EndpointKey, d Defaults) *EndpointConfig {
	cfg := &EndpointConfig{
		Endpoint: key.Endpoint,
		Method:   key.Method,
		BaseURL:  strings.TrimSpace(d.BaseURL),
		RateLimit: RateLimit{
			Daily:      d.DailyLimit,
			Concurrent: d.ConcurrentLimit,
		},
		Cache: CachePolicy{
			Enabled:    d.CacheEnabled,
			TTLSeconds: int(d.CacheTTL / time.Second),
			Strategy:   d.CacheStrategy,
		},
		Retry: RetryPolicy{
			Attempts: d.RetryAttempts,
			DelayMs:  int(d.RetryDelay / time.Millisecond),
			Backoff:  d.RetryBackoff,
		},
		Traffic: d.Traffic,
		Errors: ErrorPolicy{
			RetryOnStatus: append([]int(nil), d.RetryOnStatus...),
		},
		Active: true,
	}
	if len(d.Headers) > 0 {
		cfg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			cfg.Headers[k] = v
		}
	}
	if cfg.RateLimit.Concurrent == 0 {
		cfg.RateLimit.Concurrent = 1
	}
	if cfg.Cache.Strategy == "" {
		cfg.Cache.Strategy = CacheStrategySimple
	}
	if cfg.Traffic.Timezone == "" {
		cfg.Traffic.Timezone = "UTC"
	}
	if cfg.Errors.RetryOnStatus == nil {
		cfg.Errors.RetryOnStatus = append([]int(nil), DefaultRetryStatuses...)
	}
	return cfg
}

// ConfigPatch carries a partial update for an endpoint config. Nil fields are
// left untouched.
type ConfigPatch struct {
	BaseURL          *string            `json:"base_url,omitempty"`
	Headers          *map[string]string `json:"headers,omitempty"`
	DailyLimit       *int               `json:"daily_limit,omitempty"`
	HourlyLimit      *int               `json:"hourly_limit,omitempty"`
	ConcurrentLimit  *int               `json:"concurrent_limit,omitempty"`
	CacheEnabled     *bool              `json:"cache_enabled,omitempty"`
	CacheTTLSeconds  *int               `json:"cache_ttl_seconds,omitempty"`
	CacheStrategy    *CacheStrategy     `json:"cache_strategy,omitempty"`
	RetryAttempts    *int               `json:"retry_attempts,omitempty"`
	RetryDelayMs     *int               `json:"retry_delay_ms,omitempty"`
	RetryBackoff     *bool              `json:"retry_backoff,omitempty"`
	PeakStart        *int               `json:"peak_start,omitempty"`
	PeakEnd          *int               `json:"peak_end,omitempty"`
	PeakShare        *float64           `json:"peak_share,omitempty"`
	OffPeakShare     *float64           `json:"off_peak_share,omitempty"`
	Timezone         *string            `json:"timezone,omitempty"`
	RetryOnStatus    *[]int             `json:"retry_on_status,omitempty"`
	FallbackResponse *FallbackValue     `json:"fallback_response,omitempty"`
	ClearFallback    bool               `json:"clear_fallback,omitempty"`
	Active           *bool              `json:"active,omitempty"`
}

// Apply copies the set fields of the patch onto cfg.
func (p ConfigPatch) Apply(cfg *EndpointConfig) {
	if cfg == nil {
		return
	}
	if p.BaseURL != nil {
		cfg.BaseURL = strings.TrimSpace(*p.BaseURL)
	}
	if p.Headers != nil {
		cfg.Headers = make(map[string]string, len(*p.Headers))
		for k, v := range *p.Headers {
			cfg.Headers[k] = v
		}
	}
	if p.DailyLimit != nil {
		cfg.RateLimit.Daily = *p.DailyLimit
	}
	if p.HourlyLimit != nil {
		hourly := *p.HourlyLimit
		cfg.RateLimit.Hourly = &hourly
	}
	if p.ConcurrentLimit != nil {
		cfg.RateLimit.Concurrent = *p.ConcurrentLimit
	}
	if p.CacheEnabled != nil {
		cfg.Cache.Enabled = *p.CacheEnabled
	}
	if p.CacheTTLSeconds != nil {
		cfg.Cache.TTLSeconds = *p.CacheTTLSeconds
	}
	if p.CacheStrategy != nil {
		cfg.Cache.Strategy = *p.CacheStrategy
	}
	if p.RetryAttempts != nil {
		cfg.Retry.Attempts = *p.RetryAttempts
	}
	if p.RetryDelayMs != nil {
		cfg.Retry.DelayMs = *p.RetryDelayMs
	}
	if p.RetryBackoff != nil {
		cfg.Retry.Backoff = *p.RetryBackoff
	}
	if p.PeakStart != nil {
		cfg.Traffic.PeakStart = *p.PeakStart
	}
	if p.PeakEnd != nil {
		cfg.Traffic.PeakEnd = *p.PeakEnd
	}
	if p.PeakShare != nil {
		cfg.Traffic.PeakShare = *p.PeakShare
	}
	if p.OffPeakShare != nil {
		cfg.Traffic.OffPeakShare = *p.OffPeakShare
	}
	if p.Timezone != nil {
		cfg.Traffic.Timezone = strings.TrimSpace(*p.Timezone)
	}
	if p.RetryOnStatus != nil {
		cfg.Errors.RetryOnStatus = append([]int(nil), (*p.RetryOnStatus)...)
	}
	if p.ClearFallback {
		cfg.Errors.FallbackResponse = nil
	} else if p.FallbackResponse != nil {
		fallback := p.FallbackResponse.Clone()
		cfg.Errors.FallbackResponse = &fallback
	}
	if p.Active != nil {
		cfg.Active = *p.Active
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p.BaseURL == nil && p.Headers == nil && p.DailyLimit == nil && p.HourlyLimit == nil &&
		p.ConcurrentLimit == nil && p.CacheEnabled == nil && p.CacheTTLSeconds == nil &&
		p.CacheStrategy == nil && p.RetryAttempts == nil && p.RetryDelayMs == nil &&
		p.RetryBackoff == nil && p.PeakStart == nil && p.PeakEnd == nil && p.PeakShare == nil &&
		p.OffPeakShare == nil && p.Timezone == nil && p.RetryOnStatus == nil &&
		p.FallbackResponse == nil && !p.ClearFallback && p.Active == nil
}
