package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/engine"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// UserIDHeader identifies the caller. It is logged only; quota is tracked per
// endpoint and method.
const UserIDHeader = "X-User-ID"

// Mediator runs a decoded request through the mediation pipeline.
type Mediator interface {
	Handle(ctx context.Context, req engine.InboundRequest) (*engine.Outcome, error)
}

// ProxyHandler serves every path that is not a reserved route.
type ProxyHandler struct {
	Mediator       Mediator
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Logger         observability.Logger
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Mediator == nil {
		respondWithError(w, r, errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "proxy is not initialized"))
		return
	}
	logger := observability.OrNop(h.Logger)

	method := strings.ToUpper(r.Method)
	if !isSupportedMethod(method) {
		respondWithError(w, r, errors.NewErrorEnvelope("METHOD_NOT_ALLOWED", "method "+method+" is not supported"))
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	ctx := r.Context()
	if h.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestTimeout)
		defer cancel()
	}

	req := engine.InboundRequest{
		Method: method,
		Path:   r.URL.Path,
		Query:  query,
		Body:   body,
		UserID: strings.TrimSpace(r.Header.Get(UserIDHeader)),
	}

	outcome, err := h.Mediator.Handle(ctx, req)
	if err != nil {
		fields := []zap.Field{
			zap.String("endpoint", req.Path),
			zap.String("method", req.Method),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		}
		if outcome != nil {
			fields = append(fields, zap.String("state", string(outcome.State)))
		}
		logger.Warn("Mediated request failed", fields...)
		respondWithError(w, r, err)
		return
	}
	if outcome == nil {
		respondWithError(w, r, errors.NewErrorEnvelope("INTERNAL_ERROR", "pipeline returned no outcome"))
		return
	}

	logger.Debug("Mediated request completed",
		zap.String("endpoint", req.Path),
		zap.String("method", req.Method),
		zap.String("user_id", req.UserID),
		zap.String("state", string(outcome.State)),
		zap.Int("status", outcome.Status))

	if denied, ok := outcome.Body.(engine.DeniedBody); ok && denied.WaitTime > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(denied.WaitTime, 10))
	}
	writeJSON(w, outcome.Status, outcome.Body)
}

func (h *ProxyHandler) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}

	reader := io.Reader(r.Body)
	if h.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.NewErrorEnvelope("PAYLOAD_TOO_LARGE", "request body exceeds the configured limit")
		}
		return nil, errors.NewErrorEnvelope("INVALID_INPUT", "request body could not be read")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.NewErrorEnvelope("INVALID_INPUT", "request body must be JSON")
	}
	return json.RawMessage(trimmed), nil
}

func isSupportedMethod(method string) bool {
	for _, supported := range core.SupportedMethods {
		if method == supported {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
