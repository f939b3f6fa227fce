package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/engine"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

type fakeMediator struct {
	outcome *engine.Outcome
	err     error

	got         engine.InboundRequest
	hasDeadline bool
}

func (f *fakeMediator) Handle(ctx context.Context, req engine.InboundRequest) (*engine.Outcome, error) {
	f.got = req
	_, f.hasDeadline = ctx.Deadline()
	return f.outcome, f.err
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestProxyHandlerForwardsRequest(t *testing.T) {
	mediator := &fakeMediator{outcome: &engine.Outcome{
		State:  engine.StateSuccessReturn,
		Status: http.StatusOK,
		Body:   engine.SuccessBody{Data: json.RawMessage(`{"ok":true}`), Source: "api"},
	}}
	handler := &ProxyHandler{Mediator: mediator, RequestTimeout: time.Second, MaxBodyBytes: 1024}

	req := httptest.NewRequest(http.MethodPost, "/v1/search?q=go&q=ignored&page=2", strings.NewReader(` {"term":"x"} `))
	req.Header.Set(UserIDHeader, "user-7")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"ok":true},"source":"api"}`, rec.Body.String())

	assert.Equal(t, "POST", mediator.got.Method)
	assert.Equal(t, "/v1/search", mediator.got.Path)
	assert.Equal(t, map[string]string{"q": "go", "page": "2"}, mediator.got.Query)
	assert.JSONEq(t, `{"term":"x"}`, string(mediator.got.Body))
	assert.Equal(t, "user-7", mediator.got.UserID)
	assert.True(t, mediator.hasDeadline)
}

func TestProxyHandlerDeniedSetsRetryAfter(t *testing.T) {
	mediator := &fakeMediator{outcome: &engine.Outcome{
		State:  engine.StateDeniedError,
		Status: http.StatusTooManyRequests,
		Body:   engine.DeniedBody{Error: "Rate limit exceeded", WaitTime: 42, Reason: "pacing"},
	}}
	handler := &ProxyHandler{Mediator: mediator}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.False(t, mediator.hasDeadline)
}

func TestProxyHandlerRejections(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		maxBytes int64
		status   int
		code     string
	}{
		{name: "unsupported method", method: http.MethodOptions, status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "invalid json", method: http.MethodPost, body: "{not json", status: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "too large", method: http.MethodPost, body: `{"a":"0123456789"}`, maxBytes: 4, status: http.StatusRequestEntityTooLarge, code: "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mediator := &fakeMediator{}
			handler := &ProxyHandler{Mediator: mediator, MaxBodyBytes: tt.maxBytes}

			req := httptest.NewRequest(tt.method, "/v1/things", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
			assert.Empty(t, mediator.got.Path, "mediator must not be called")
		})
	}
}

func TestProxyHandlerMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "upstream", err: &core.UpstreamError{Status: 503, Message: "down", Attempts: 3}, status: http.StatusBadGateway, code: "EXTERNAL_SERVICE_ERROR"},
		{name: "invalid config", err: &core.ValidationError{Problems: []string{"daily limit must be positive"}}, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &ProxyHandler{Mediator: &fakeMediator{err: tt.err}}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}
}

func TestProxyHandlerWithoutMediator(t *testing.T) {
	var handler *ProxyHandler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
