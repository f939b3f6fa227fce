package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/cache"
	"github.com/quotaguard/quotaguard/internal/core/engine"
	"github.com/quotaguard/quotaguard/internal/core/registry"
	"github.com/quotaguard/quotaguard/internal/core/store"
	"github.com/quotaguard/quotaguard/internal/core/tracker"
	"github.com/quotaguard/quotaguard/internal/core/upstream"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

const adminToken = "integration-token"

// isPermissionError normalizes OS-specific permission errors so we can skip
// when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func listenOrSkip(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping: loopback sockets unavailable: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

// startUpstream serves a fixed JSON document and counts the calls it sees.
func startUpstream(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"city":"` + r.URL.Query().Get("city") + `","temp":21}`))
		})},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

type mediatorFixture struct {
	server   *httptest.Server
	registry *registry.Registry
	tracker  *tracker.Tracker
}

// startMediator wires the full request path against an in-memory store.
func startMediator(t *testing.T, baseURL string, dailyLimit int) *httptest.Server {
	t.Helper()
	return startMediatorWithTimeout(t, baseURL, dailyLimit, 10*time.Second).server
}

func startMediatorWithTimeout(t *testing.T, baseURL string, dailyLimit int, requestTimeout time.Duration) *mediatorFixture {
	t.Helper()
	ctx := context.Background()
	logger := observability.Nop()

	db, err := store.Open(ctx, config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	responseCache, closeCache, err := cache.Open(ctx, config.CacheConfig{Backend: "memory", Capacity: 64}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeCache() })

	defaults := core.DefaultDefaults()
	defaults.BaseURL = baseURL
	defaults.DailyLimit = dailyLimit
	defaults.RetryAttempts = 0

	reg := registry.New(db, logger)
	trk := tracker.New(db, logger)
	scheduler := &engine.Scheduler{}
	pipeline := &engine.Pipeline{
		Registry:  reg,
		Tracker:   trk,
		Cache:     responseCache,
		Admission: scheduler,
		Caller: &engine.Orchestrator{
			Transport: upstream.NewClient(5*time.Second, "quotaguard-integration", 1<<20),
			Scheduler: scheduler,
			Logger:    logger,
		},
		Defaults: defaults,
		Logger:   logger,
	}

	srv := server.New(config.ServerConfig{Host: "127.0.0.1"}, server.Options{
		Proxy: &handlers.ProxyHandler{
			Mediator:       pipeline,
			RequestTimeout: requestTimeout,
			MaxBodyBytes:   1 << 20,
			Logger:         logger,
		},
		Admin: &handlers.AdminHandler{
			Endpoints: reg,
			Usage:     trk,
			Cache:     responseCache,
			Scheduler: scheduler,
			Logger:    logger,
		},
		AdminToken:     adminToken,
		AdminRateLimit: 100,
		AdminRateBurst: 100,
	})

	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return &mediatorFixture{server: ts, registry: reg, tracker: trk}
}

func getJSON(t *testing.T, client *http.Client, url string, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return resp, body
}

func TestMediationCachesAndEnforcesDailyLimit(t *testing.T) {
	var calls atomic.Int32
	upstreamServer := startUpstream(t, &calls)
	ts := startMediator(t, upstreamServer.URL, 1)
	client := ts.Client()

	resp, body := getJSON(t, client, ts.URL+"/v1/weather?city=oslo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api", body["source"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "oslo", data["city"])
	assert.EqualValues(t, 1, calls.Load())

	resp, body = getJSON(t, client, ts.URL+"/v1/weather?city=oslo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cache", body["source"])
	assert.EqualValues(t, 1, calls.Load(), "cache hit must not reach upstream")

	resp, body = getJSON(t, client, ts.URL+"/v1/weather?city=bergen", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, engine.ReasonDailyLimit, body["reason"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestAdminReflectsMediatedTraffic(t *testing.T) {
	var calls atomic.Int32
	upstreamServer := startUpstream(t, &calls)
	ts := startMediator(t, upstreamServer.URL, 100)
	client := ts.Client()

	resp, _ := getJSON(t, client, ts.URL+"/v1/forecast?city=oslo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = getJSON(t, client, ts.URL+"/admin/endpoints", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := getJSON(t, client, ts.URL+"/admin/endpoints", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = getJSON(t, client, ts.URL+"/admin/scheduler?path=/v1/forecast", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["hits"])
}

func TestFallbackServedWhenRequestDeadlineExpires(t *testing.T) {
	release := make(chan struct{})
	slow := &httptest.Server{
		Listener: listenOrSkip(t),
		Config: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})},
	}
	slow.Start()
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	f := startMediatorWithTimeout(t, slow.URL, 100, 100*time.Millisecond)
	ctx := context.Background()

	cfg, err := f.registry.GetOrCreate(ctx, "/v1/slow", "GET", func() core.Defaults {
		d := core.DefaultDefaults()
		d.BaseURL = slow.URL
		d.RetryAttempts = 0
		return d
	}())
	require.NoError(t, err)
	fallback, err := core.NewFallbackValue([]byte(`{"items":[]}`))
	require.NoError(t, err)
	cfg.Errors.FallbackResponse = &fallback
	require.NoError(t, f.registry.Put(ctx, cfg))

	resp, body := getJSON(t, f.server.Client(), f.server.URL+"/v1/slow", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "fallback", body["source"])
	assert.Equal(t, []any{}, body["items"])

	record, err := f.tracker.Get(ctx, "/v1/slow", "GET")
	require.NoError(t, err)
	require.Len(t, record.Errors, 1)
}
