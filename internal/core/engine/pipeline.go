package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/cache"
	"github.com/quotaguard/quotaguard/internal/core/upstream"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// State is a pipeline state. One pipeline run ends in exactly one terminal
// state.
type State string

const (
	StateStart               State = "START"
	StateConfigResolved      State = "CONFIG_RESOLVED"
	StateRejectedInactive    State = "REJECTED_INACTIVE"
	StateCacheCheck          State = "CACHE_CHECK"
	StateCacheHitReturn      State = "CACHE_HIT_RETURN"
	StateAdmissionCheck      State = "ADMISSION_CHECK"
	StateDeniedStaleFallback State = "DENIED_STALE_FALLBACK"
	StateDeniedError         State = "DENIED_ERROR"
	StateCallUpstream        State = "CALL_UPSTREAM"
	StateSuccessReturn       State = "SUCCESS_RETURN"
	StateErrorFallback       State = "ERROR_FALLBACK"
	StateErrorPropagate      State = "ERROR_PROPAGATE"
)

// Response sources.
const (
	SourceAPI      = "api"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// recordTimeout bounds store writes that outlive the inbound request.
const recordTimeout = 2 * time.Second

const (
	msgInactive     = "API endpoint is not active"
	msgRateLimited  = "Rate limit exceeded"
	msgStaleWarning = "Rate limit reached, serving cached data"
)

// InboundRequest is a decoded request to a mediated endpoint.
type InboundRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   json.RawMessage
	UserID string
}

// Outcome is the shaped result of a pipeline run.
type Outcome struct {
	State  State
	Status int
	Body   any
}

// SuccessBody is returned for api and cache responses.
type SuccessBody struct {
	Data    json.RawMessage `json:"data"`
	Source  string          `json:"source"`
	Metrics *CallMetrics    `json:"metrics,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// CallMetrics describes a completed upstream call.
type CallMetrics struct {
	ResponseTime  int64 `json:"responseTime"`
	RemainingHits int   `json:"remainingHits"`
}

// ErrorBody is returned for inactive endpoints.
type ErrorBody struct {
	Error string `json:"error"`
}

// DeniedBody is returned when admission is denied and nothing is cached.
type DeniedBody struct {
	Error    string `json:"error"`
	WaitTime int64  `json:"waitTime"`
	Reason   string `json:"reason"`
}

// OriginalError is attached to fallback responses.
type OriginalError struct {
	Error    string `json:"error"`
	Status   int    `json:"status"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

// ConfigResolver resolves endpoint configuration.
type ConfigResolver interface {
	GetOrCreate(ctx context.Context, endpoint, method string, defaults core.Defaults) (*core.EndpointConfig, error)
	Lookup(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error)
	ShouldRetry(cfg *core.EndpointConfig, status int) bool
}

// HitTracker records endpoint usage.
type HitTracker interface {
	LoadOrCreate(ctx context.Context, endpoint, method string, dailyLimit int) (*core.HitRecord, error)
	IsLimitReached(record *core.HitRecord, traffic core.TrafficPattern, now time.Time) bool
	RecordHit(ctx context.Context, cfg *core.EndpointConfig, responseTimeMs float64, success bool) (*core.HitRecord, error)
	RecordError(ctx context.Context, cfg *core.EndpointConfig, code, message string) (*core.HitRecord, error)
}

// ResponseCache stores upstream payloads.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithPolicy(ctx context.Context, key string, value []byte, policy core.CachePolicy, quota cache.Quota) bool
}

// Admission decides whether a call may proceed.
type Admission interface {
	Decide(usedHits int, lastHitAt *time.Time, dailyLimit int, traffic core.TrafficPattern, now time.Time) Decision
}

// Caller executes upstream calls with retries.
type Caller interface {
	Execute(ctx context.Context, spec RequestSpec, policy core.RetryPolicy, shouldRetry func(status int) bool) (*CallResult, error)
}

// Pipeline mediates one inbound request at a time; it holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	Registry  ConfigResolver
	Tracker   HitTracker
	Cache     ResponseCache
	Admission Admission
	Caller    Caller
	Defaults  core.Defaults
	Clock     func() time.Time
	Logger    observability.Logger
}

// Handle runs the request through config resolution, cache, admission and the
// upstream call. Policy rejections are returned as outcomes. An error is
// returned only in ERROR_PROPAGATE, or when config or hit state cannot be
// loaded.
func (p *Pipeline) Handle(ctx context.Context, req InboundRequest) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.OrNop(p.Logger)
	key := core.NewEndpointKey(req.Path, req.Method)

	cfg, err := p.Registry.GetOrCreate(ctx, key.Endpoint, key.Method, p.Defaults)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint config: %w", err)
	}

	if !cfg.Active {
		return p.finish(&Outcome{
			State:  StateRejectedInactive,
			Status: http.StatusForbidden,
			Body:   ErrorBody{Error: msgInactive},
		}), nil
	}

	cacheKey := cache.Key(key.Endpoint, req.Query)
	if cfg.Cache.Enabled {
		data, ok := p.Cache.Get(ctx, cacheKey)
		metrics.RecordCacheLookup("fresh", ok)
		if ok {
			return p.finish(&Outcome{
				State:  StateCacheHitReturn,
				Status: http.StatusOK,
				Body:   SuccessBody{Data: data, Source: SourceCache},
			}), nil
		}
	}

	record, err := p.Tracker.LoadOrCreate(ctx, key.Endpoint, key.Method, cfg.RateLimit.Daily)
	if err != nil {
		return nil, fmt.Errorf("load hit record: %w", err)
	}

	now := p.now()
	p.Tracker.IsLimitReached(record, cfg.Traffic, now)
	decision := p.Admission.Decide(record.Hits, record.LastHitAt, cfg.RateLimit.Daily, cfg.Traffic, now)
	metrics.RecordAdmission(key.Endpoint, decision.Allow, decision.Reason)

	if !decision.Allow {
		logger.Info("Admission denied",
			zap.String("endpoint", key.Endpoint),
			zap.String("method", key.Method),
			zap.String("reason", decision.Reason),
			zap.Int64("wait_seconds", decision.WaitSeconds),
			zap.String("user_id", req.UserID))

		// Stale data is a last resort regardless of the cache policy.
		data, ok := p.Cache.Get(ctx, cacheKey)
		metrics.RecordCacheLookup("stale", ok)
		if ok {
			return p.finish(&Outcome{
				State:  StateDeniedStaleFallback,
				Status: http.StatusOK,
				Body:   SuccessBody{Data: data, Source: SourceCache, Warning: msgStaleWarning},
			}), nil
		}
		return p.finish(&Outcome{
			State:  StateDeniedError,
			Status: http.StatusTooManyRequests,
			Body: DeniedBody{
				Error:    msgRateLimited,
				WaitTime: decision.WaitSeconds,
				Reason:   decision.Reason,
			},
		}), nil
	}

	metrics.SetQuotaPosition(key.Endpoint, decision.Remaining, decision.HourlyLimit)
	logger.Debug("Admission granted",
		zap.String("endpoint", key.Endpoint),
		zap.String("method", key.Method),
		zap.Int("remaining", decision.Remaining),
		zap.Int("advisory_hourly_limit", decision.HourlyLimit),
		zap.String("user_id", req.UserID))

	spec := RequestSpec{
		Key: key,
		Request: upstream.Request{
			Method:  key.Method,
			URL:     upstream.JoinURL(cfg.BaseURL, key.Endpoint),
			Headers: cfg.Headers,
			Query:   req.Query,
			Body:    req.Body,
		},
		Concurrency: cfg.RateLimit.Concurrent,
	}
	shouldRetry := func(status int) bool { return p.Registry.ShouldRetry(cfg, status) }

	started := p.now()
	result, callErr := p.Caller.Execute(ctx, spec, cfg.Retry, shouldRetry)
	if callErr != nil {
		return p.handleFailure(ctx, cfg, key, callErr)
	}

	responseTime := p.now().Sub(started)
	hits := record.Hits + 1
	recordCtx, cancel := detached(ctx)
	defer cancel()
	updated, err := p.Tracker.RecordHit(recordCtx, cfg, float64(responseTime.Milliseconds()), true)
	if err != nil {
		logger.Warn("Failed to record hit",
			zap.String("endpoint", key.Endpoint),
			zap.String("method", key.Method),
			zap.Error(err))
	} else {
		hits = updated.Hits
	}
	remaining := cfg.RateLimit.Daily - hits
	if remaining < 0 {
		remaining = 0
	}

	data := result.Response.Data
	if cfg.Cache.Enabled && len(data) > 0 && string(data) != "null" {
		p.Cache.SetWithPolicy(recordCtx, cacheKey, data, cfg.Cache, cache.Quota{
			DailyLimit: cfg.RateLimit.Daily,
			Remaining:  remaining,
		})
	}

	return p.finish(&Outcome{
		State:  StateSuccessReturn,
		Status: http.StatusOK,
		Body: SuccessBody{
			Data:   data,
			Source: SourceAPI,
			Metrics: &CallMetrics{
				ResponseTime:  responseTime.Milliseconds(),
				RemainingHits: remaining,
			},
		},
	}), nil
}

func (p *Pipeline) handleFailure(ctx context.Context, cfg *core.EndpointConfig, key core.EndpointKey, callErr error) (*Outcome, error) {
	logger := observability.OrNop(p.Logger)

	var upstreamErr *core.UpstreamError
	if !errors.As(callErr, &upstreamErr) {
		upstreamErr = &core.UpstreamError{Message: callErr.Error(), Err: callErr}
	}
	status := upstreamErr.StatusOr(http.StatusInternalServerError)

	// A deadline-driven failure arrives with ctx already done; the error log
	// and fallback lookup still have to run.
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := p.Tracker.RecordError(ctx, cfg, strconv.Itoa(status), upstreamErr.Message); err != nil {
		logger.Warn("Failed to record upstream error",
			zap.String("endpoint", key.Endpoint),
			zap.String("method", key.Method),
			zap.Error(err))
	}

	current, err := p.Registry.Lookup(ctx, key.Endpoint, key.Method)
	if err != nil {
		logger.Warn("Failed to load fallback response",
			zap.String("endpoint", key.Endpoint),
			zap.String("method", key.Method),
			zap.Error(err))
	}
	if err == nil && current != nil && current.Errors.FallbackResponse != nil {
		body, shapeErr := fallbackBody(*current.Errors.FallbackResponse, OriginalError{
			Error:    upstreamErr.Message,
			Status:   status,
			Endpoint: key.Endpoint,
			Method:   key.Method,
		})
		if shapeErr == nil {
			logger.Warn("Upstream failed, serving fallback response",
				zap.String("endpoint", key.Endpoint),
				zap.String("method", key.Method),
				zap.Int("status", status),
				zap.Int("attempts", upstreamErr.Attempts))
			return p.finish(&Outcome{
				State:  StateErrorFallback,
				Status: status,
				Body:   body,
			}), nil
		}
		logger.Warn("Failed to shape fallback response", zap.Error(shapeErr))
	}

	return p.finish(&Outcome{State: StateErrorPropagate, Status: status}), upstreamErr
}

// fallbackBody spreads an object fallback into the response body. Any other
// kind is placed under data.
func fallbackBody(fallback core.FallbackValue, original OriginalError) (map[string]any, error) {
	body := map[string]any{}
	if fallback.Kind == core.FallbackObject {
		decoded, err := fallback.Object()
		if err != nil {
			return nil, err
		}
		for k, v := range decoded {
			body[k] = v
		}
	} else {
		body["data"] = fallback.Raw
	}
	body["source"] = SourceFallback
	body["originalError"] = original
	return body, nil
}

// detached keeps ctx values but drops its cancellation and deadline.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func (p *Pipeline) finish(outcome *Outcome) *Outcome {
	metrics.RecordPipelineOutcome(string(outcome.State))
	return outcome
}

func (p *Pipeline) now() time.Time {
	if p != nil && p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}
