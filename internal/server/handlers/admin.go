package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/cache"
	"github.com/quotaguard/quotaguard/internal/core/engine"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// EndpointAdmin reads and updates endpoint configs.
type EndpointAdmin interface {
	List(ctx context.Context) ([]*core.EndpointConfig, error)
	Lookup(ctx context.Context, endpoint, method string) (*core.EndpointConfig, error)
	Update(ctx context.Context, endpoint, method string, patch core.ConfigPatch) (*core.EndpointConfig, error)
}

// UsageAdmin reads and resets hit records.
type UsageAdmin interface {
	Get(ctx context.Context, endpoint, method string) (*core.HitRecord, error)
	Analytics(ctx context.Context, endpoint string) ([]core.Analytics, error)
	Reset(ctx context.Context, endpoint, method string) (bool, error)
}

// CacheAdmin inspects and flushes the response cache.
type CacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	Clear(ctx context.Context)
}

// PacingSnapshotter reports the pacing position of an endpoint.
type PacingSnapshotter interface {
	Snapshot(traffic core.TrafficPattern, record *core.HitRecord) engine.Snapshot
}

// AdminHandler serves the operator API under /admin.
type AdminHandler struct {
	Endpoints EndpointAdmin
	Usage     UsageAdmin
	Cache     CacheAdmin
	Scheduler PacingSnapshotter
	Logger    observability.Logger
}

// EndpointListResponse is returned by GET /admin/endpoints.
type EndpointListResponse struct {
	Endpoints []*core.EndpointConfig `json:"endpoints"`
	Count     int                    `json:"count"`
}

// AnalyticsResponse is returned by GET /admin/analytics.
type AnalyticsResponse struct {
	Analytics []core.Analytics `json:"analytics"`
}

// SchedulerResponse is returned by GET /admin/scheduler.
type SchedulerResponse struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Hits     int             `json:"hits"`
	Snapshot engine.Snapshot `json:"snapshot"`
}

// ListEndpoints handles GET /admin/endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Endpoints.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EndpointListResponse{Endpoints: configs, Count: len(configs)})
}

// GetEndpoint handles GET /admin/endpoint?path=&method=.
func (h *AdminHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	key, ok := endpointKeyFromQuery(w, r)
	if !ok {
		return
	}
	cfg, err := h.Endpoints.Lookup(r.Context(), key.Endpoint, key.Method)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateEndpoint handles PATCH /admin/endpoint?path=&method= with a
// ConfigPatch body.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	key, ok := endpointKeyFromQuery(w, r)
	if !ok {
		return
	}

	var patch core.ConfigPatch
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		env := errors.NewErrorEnvelope("INVALID_INPUT", "request body must be a config patch")
		env, _ = env.WithContext(map[string]interface{}{"decode_error": err.Error()})
		respondWithError(w, r, env)
		return
	}
	if patch.IsEmpty() {
		respondWithError(w, r, errors.NewErrorEnvelope("INVALID_INPUT", "config patch is empty"))
		return
	}

	cfg, err := h.Endpoints.Update(r.Context(), key.Endpoint, key.Method, patch)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	observability.OrNop(h.Logger).Info("Endpoint config updated via admin API",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("method", cfg.Method))
	writeJSON(w, http.StatusOK, cfg)
}

// Analytics handles GET /admin/analytics?endpoint=.
func (h *AdminHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	stats, err := h.Usage.Analytics(r.Context(), endpoint)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AnalyticsResponse{Analytics: stats})
}

// ResetHits handles DELETE /admin/hits?path=&method=.
func (h *AdminHandler) ResetHits(w http.ResponseWriter, r *http.Request) {
	key, ok := endpointKeyFromQuery(w, r)
	if !ok {
		return
	}
	deleted, err := h.Usage.Reset(r.Context(), key.Endpoint, key.Method)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !deleted {
		respondWithError(w, r, errors.NewErrorEnvelope("NOT_FOUND", "no hit record for "+key.String()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "endpoint": key.Endpoint, "method": key.Method})
}

// CacheStats handles GET /admin/cache/stats.
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.Stats(r.Context()))
}

// ClearCache handles DELETE /admin/cache.
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.Cache.Clear(r.Context())
	observability.OrNop(h.Logger).Info("Response cache cleared via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "at": time.Now().UTC()})
}

// SchedulerSnapshot handles GET /admin/scheduler?path=&method=.
func (h *AdminHandler) SchedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	key, ok := endpointKeyFromQuery(w, r)
	if !ok {
		return
	}
	cfg, err := h.Endpoints.Lookup(r.Context(), key.Endpoint, key.Method)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	record, err := h.Usage.Get(r.Context(), key.Endpoint, key.Method)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	response := SchedulerResponse{
		Endpoint: cfg.Endpoint,
		Method:   cfg.Method,
		Snapshot: h.Scheduler.Snapshot(cfg.Traffic, record),
	}
	if record != nil {
		response.Hits = record.Hits
	}
	writeJSON(w, http.StatusOK, response)
}

func endpointKeyFromQuery(w http.ResponseWriter, r *http.Request) (core.EndpointKey, bool) {
	query := r.URL.Query()
	key := core.NewEndpointKey(query.Get("path"), query.Get("method"))
	if key.Endpoint == "" {
		respondWithError(w, r, errors.NewErrorEnvelope("INVALID_INPUT", "query parameter path is required"))
		return key, false
	}
	return key, true
}
