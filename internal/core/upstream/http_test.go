package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
)

func TestCallSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/items", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.Equal(t, "quotaguard-test", r.Header.Get("User-Agent"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"name":"a"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(5*time.Second, "quotaguard-test", 0)
	resp, err := client.Call(context.Background(), Request{
		Method:  "post",
		URL:     JoinURL(server.URL, "/v1/items"),
		Headers: map[string]string{"X-Api-Key": "secret"},
		Query:   map[string]string{"page": "2"},
		Body:    []byte(`{"name":"a"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestCallNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	resp, err := NewClient(time.Second, "", 0).Call(context.Background(), Request{URL: server.URL})
	require.NoError(t, err)
	require.Equal(t, `"hello"`, string(resp.Data))
}

func TestCallErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"maintenance"}`))
	}))
	defer server.Close()

	_, err := NewClient(time.Second, "", 0).Call(context.Background(), Request{URL: server.URL})
	var upstreamErr *core.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusServiceUnavailable, upstreamErr.Status)
	require.Equal(t, "maintenance", upstreamErr.Message)
}

func TestCallNetworkFailureHasNoStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(time.Second, "", 0).Call(context.Background(), Request{URL: url})
	var upstreamErr *core.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, 0, upstreamErr.Status)
	require.Equal(t, 500, upstreamErr.StatusOr(500))
}

func TestCallResponseSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"0123456789"`))
	}))
	defer server.Close()

	_, err := NewClient(time.Second, "", 4).Call(context.Background(), Request{URL: server.URL})
	require.Error(t, err)
}

func TestJoinURL(t *testing.T) {
	require.Equal(t, "https://api.example.com/v1/x", JoinURL("https://api.example.com/", "/v1/x"))
	require.Equal(t, "https://api.example.com/x", JoinURL("https://api.example.com", "x"))
}
