package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/cache"
	"github.com/quotaguard/quotaguard/internal/core/upstream"
)

type fakeRegistry struct {
	cfg       *core.EndpointConfig
	lookupErr error
}

func (f *fakeRegistry) GetOrCreate(ctx context.Context, endpoint, method string, defaults core.Defaults) (*core.EndpointConfig, error) {
	return f.cfg.Clone(), nil
}

func (f *fakeRegistry) Lookup(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.cfg.Clone(), nil
}

func (f *fakeRegistry) ShouldRetry(cfg *core.EndpointConfig, status int) bool {
	for _, s := range cfg.Errors.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

type fakeTracker struct {
	record      core.HitRecord
	hits        int
	errors      []string
	recordErrFn error
}

func (f *fakeTracker) LoadOrCreate(ctx context.Context, endpoint, method string, dailyLimit int) (*core.HitRecord, error) {
	if f.record.Endpoint == "" {
		f.record = *core.NewHitRecord(core.NewEndpointKey(endpoint, method), dailyLimit, time.Time{})
	}
	r := f.record
	return &r, nil
}

func (f *fakeTracker) IsLimitReached(record *core.HitRecord, traffic core.TrafficPattern, now time.Time) bool {
	return record.Hits >= record.DailyLimit
}

func (f *fakeTracker) RecordHit(ctx context.Context, cfg *core.EndpointConfig, responseTimeMs float64, success bool) (*core.HitRecord, error) {
	f.hits++
	f.record.Hits++
	r := f.record
	return &r, nil
}

func (f *fakeTracker) RecordError(ctx context.Context, cfg *core.EndpointConfig, code, message string) (*core.HitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.recordErrFn != nil {
		return nil, f.recordErrFn
	}
	f.errors = append(f.errors, code+" "+message)
	r := f.record
	return &r, nil
}

type countingCache struct {
	inner *cache.Cache
	gets  int
	sets  int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.gets++
	return c.inner.Get(ctx, key)
}

func (c *countingCache) SetWithPolicy(ctx context.Context, key string, value []byte, policy core.CachePolicy, quota cache.Quota) bool {
	c.sets++
	return c.inner.SetWithPolicy(ctx, key, value, policy, quota)
}

type countingAdmission struct {
	inner Scheduler
	calls int
}

func (c *countingAdmission) Decide(usedHits int, lastHitAt *time.Time, dailyLimit int, traffic core.TrafficPattern, now time.Time) Decision {
	c.calls++
	return c.inner.Decide(usedHits, lastHitAt, dailyLimit, traffic, now)
}

type fakeCaller struct {
	resp  *upstream.Response
	err   error
	calls int

	// untilDone makes Execute wait out the caller's deadline.
	untilDone bool
}

func (f *fakeCaller) Execute(ctx context.Context, spec RequestSpec, policy core.RetryPolicy, shouldRetry func(int) bool) (*CallResult, error) {
	f.calls++
	if f.untilDone {
		<-ctx.Done()
		return nil, &core.UpstreamError{Message: ctx.Err().Error(), Attempts: 1, Err: ctx.Err()}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &CallResult{Response: f.resp, Attempts: 1}, nil
}

type pipelineFixture struct {
	pipeline  *Pipeline
	registry  *fakeRegistry
	tracker   *fakeTracker
	cache     *countingCache
	admission *countingAdmission
	caller    *fakeCaller
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	defaults := core.DefaultDefaults()
	defaults.BaseURL = "https://api.example.com"
	defaults.DailyLimit = 10
	cfg := core.NewEndpointConfig(core.NewEndpointKey("/items", "GET"), defaults)

	provider, err := cache.NewMemoryProvider(64)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	f := &pipelineFixture{
		registry:  &fakeRegistry{cfg: cfg},
		tracker:   &fakeTracker{},
		cache:     &countingCache{inner: cache.New(provider, zap.NewNop())},
		admission: &countingAdmission{},
		caller:    &fakeCaller{resp: &upstream.Response{Status: 200, Data: json.RawMessage(`{"items":[1,2]}`)}},
	}
	f.pipeline = &Pipeline{
		Registry:  f.registry,
		Tracker:   f.tracker,
		Cache:     f.cache,
		Admission: f.admission,
		Caller:    f.caller,
		Defaults:  defaults,
		Clock:     func() time.Time { return now },
		Logger:    zap.NewNop(),
	}
	return f
}

func request() InboundRequest {
	return InboundRequest{Method: "GET", Path: "/items", Query: map[string]string{"page": "1"}}
}

func TestPipelineInactiveShortCircuits(t *testing.T) {
	f := newPipelineFixture(t)
	f.registry.cfg.Active = false

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateRejectedInactive, outcome.State)
	require.Equal(t, http.StatusForbidden, outcome.Status)
	require.Equal(t, ErrorBody{Error: "API endpoint is not active"}, outcome.Body)

	require.Zero(t, f.cache.gets)
	require.Zero(t, f.admission.calls)
	require.Zero(t, f.caller.calls)
}

func TestPipelineCacheHitSkipsAdmission(t *testing.T) {
	f := newPipelineFixture(t)
	key := cache.Key("/items", map[string]string{"page": "1"})
	f.cache.inner.Set(context.Background(), key, []byte(`{"cached":true}`), time.Minute)

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateCacheHitReturn, outcome.State)
	require.Equal(t, http.StatusOK, outcome.Status)

	body := outcome.Body.(SuccessBody)
	require.Equal(t, SourceCache, body.Source)
	require.JSONEq(t, `{"cached":true}`, string(body.Data))
	require.Empty(t, body.Warning)

	require.Zero(t, f.admission.calls)
	require.Zero(t, f.caller.calls)
}

func TestPipelineDeniedServesStaleCache(t *testing.T) {
	f := newPipelineFixture(t)
	// Fresh serves are disabled; stale data is still a last resort.
	f.registry.cfg.Cache.Enabled = false
	f.tracker.record = *core.NewHitRecord(core.NewEndpointKey("/items", "GET"), 10, time.Time{})
	f.tracker.record.Hits = 10

	key := cache.Key("/items", map[string]string{"page": "1"})
	f.cache.inner.Set(context.Background(), key, []byte(`{"cached":true}`), time.Minute)

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateDeniedStaleFallback, outcome.State)
	require.Equal(t, http.StatusOK, outcome.Status)

	body := outcome.Body.(SuccessBody)
	require.Equal(t, SourceCache, body.Source)
	require.Equal(t, "Rate limit reached, serving cached data", body.Warning)
	require.Equal(t, 1, f.admission.calls)
	require.Equal(t, 1, f.cache.gets)
	require.Zero(t, f.caller.calls)
}

func TestPipelineDeniedWithoutCache(t *testing.T) {
	f := newPipelineFixture(t)
	f.tracker.record = *core.NewHitRecord(core.NewEndpointKey("/items", "GET"), 10, time.Time{})
	f.tracker.record.Hits = 10

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateDeniedError, outcome.State)
	require.Equal(t, http.StatusTooManyRequests, outcome.Status)
	require.Equal(t, DeniedBody{
		Error:    "Rate limit exceeded",
		WaitTime: 12 * 3600,
		Reason:   ReasonDailyLimit,
	}, outcome.Body)
	require.Zero(t, f.caller.calls)
}

func TestPipelinePacingDenial(t *testing.T) {
	f := newPipelineFixture(t)
	last := time.Date(2025, 3, 10, 11, 59, 0, 0, time.UTC)
	f.tracker.record = *core.NewHitRecord(core.NewEndpointKey("/items", "GET"), 10, time.Time{})
	f.tracker.record.Hits = 1
	f.tracker.record.LastHitAt = &last

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateDeniedError, outcome.State)
	body := outcome.Body.(DeniedBody)
	require.Equal(t, ReasonPacing, body.Reason)
	// 43200s left over 9 remaining hits is 4800s spacing; 60s have elapsed.
	require.Equal(t, int64(4740), body.WaitTime)
}

func TestPipelineSuccessCachesAndRecords(t *testing.T) {
	f := newPipelineFixture(t)

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateSuccessReturn, outcome.State)
	require.Equal(t, http.StatusOK, outcome.Status)

	body := outcome.Body.(SuccessBody)
	require.Equal(t, SourceAPI, body.Source)
	require.JSONEq(t, `{"items":[1,2]}`, string(body.Data))
	require.NotNil(t, body.Metrics)
	require.Equal(t, 9, body.Metrics.RemainingHits)

	require.Equal(t, 1, f.tracker.hits)
	require.Equal(t, 1, f.cache.sets)

	// The second request is a cache hit.
	outcome, err = f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateCacheHitReturn, outcome.State)
	require.Equal(t, 1, f.caller.calls)
}

func TestPipelineObjectFallback(t *testing.T) {
	f := newPipelineFixture(t)
	fallback, err := core.NewFallbackValue([]byte(`{"items":[],"degraded":true}`))
	require.NoError(t, err)
	f.registry.cfg.Errors.FallbackResponse = &fallback
	f.caller.err = &core.UpstreamError{Status: 503, Message: "unavailable", Attempts: 4}

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateErrorFallback, outcome.State)
	require.Equal(t, 503, outcome.Status)

	encoded, err := json.Marshal(outcome.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"items": [],
		"degraded": true,
		"source": "fallback",
		"originalError": {"error": "unavailable", "status": 503, "endpoint": "/items", "method": "GET"}
	}`, string(encoded))
	require.Equal(t, []string{"503 unavailable"}, f.tracker.errors)
}

func TestPipelineScalarFallbackUsesDataKey(t *testing.T) {
	f := newPipelineFixture(t)
	fallback, err := core.NewFallbackValue([]byte(`"try later"`))
	require.NoError(t, err)
	f.registry.cfg.Errors.FallbackResponse = &fallback
	f.caller.err = &core.UpstreamError{Message: "connection refused"}

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, StateErrorFallback, outcome.State)
	require.Equal(t, http.StatusInternalServerError, outcome.Status)

	encoded, err := json.Marshal(outcome.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"data": "try later",
		"source": "fallback",
		"originalError": {"error": "connection refused", "status": 500, "endpoint": "/items", "method": "GET"}
	}`, string(encoded))
}

func TestPipelinePropagatesWithoutFallback(t *testing.T) {
	f := newPipelineFixture(t)
	f.tracker.recordErrFn = errors.New("store unavailable")
	f.caller.err = &core.UpstreamError{Status: 502, Message: "bad gateway"}

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.Equal(t, StateErrorPropagate, outcome.State)

	var upstreamErr *core.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, 502, upstreamErr.Status)
	require.Equal(t, "bad gateway", upstreamErr.Message)
}

func TestPipelineFallbackLookupFailurePropagates(t *testing.T) {
	f := newPipelineFixture(t)
	fallback, err := core.NewFallbackValue([]byte(`{"x":1}`))
	require.NoError(t, err)
	f.registry.cfg.Errors.FallbackResponse = &fallback
	f.registry.lookupErr = errors.New("store unavailable")
	f.caller.err = &core.UpstreamError{Status: 500, Message: "boom"}

	outcome, err := f.pipeline.Handle(context.Background(), request())
	require.Error(t, err)
	require.Equal(t, StateErrorPropagate, outcome.State)
}

func TestPipelineFallbackAfterRequestDeadline(t *testing.T) {
	f := newPipelineFixture(t)
	fallback, err := core.NewFallbackValue([]byte(`{"items":[]}`))
	require.NoError(t, err)
	f.registry.cfg.Errors.FallbackResponse = &fallback
	f.caller.untilDone = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := f.pipeline.Handle(ctx, request())
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	require.Equal(t, StateErrorFallback, outcome.State)
	require.Equal(t, http.StatusInternalServerError, outcome.Status)

	body := outcome.Body.(map[string]any)
	require.Equal(t, SourceFallback, body["source"])
	require.Equal(t, []any{}, body["items"])
	require.Equal(t, []string{"500 context deadline exceeded"}, f.tracker.errors)
}

func TestSuccessBodyWireNames(t *testing.T) {
	encoded, err := json.Marshal(SuccessBody{
		Data:    json.RawMessage(`{"ok":true}`),
		Source:  SourceAPI,
		Metrics: &CallMetrics{ResponseTime: 120, RemainingHits: 7},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"data": {"ok": true},
		"source": "api",
		"metrics": {"responseTime": 120, "remainingHits": 7}
	}`, string(encoded))
}
