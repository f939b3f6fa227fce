// Package upstream is the outbound HTTP transport to the mediated API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseSize = 10 << 20
)

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    json.RawMessage
}

// Response is a successful upstream reply. Data is always valid JSON.
type Response struct {
	Status int
	Data   json.RawMessage
}

// Client calls the upstream API over HTTP.
type Client struct {
	HTTP            *http.Client
	UserAgent       string
	MaxResponseSize int64
}

// NewClient creates a client with the given per-attempt timeout.
func NewClient(timeout time.Duration, userAgent string, maxResponseSize int64) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		HTTP:            &http.Client{Timeout: timeout},
		UserAgent:       userAgent,
		MaxResponseSize: maxResponseSize,
	}
}

// Call performs the request. Non-2xx replies and transport failures are
// returned as *core.UpstreamError; transport failures carry status 0.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, &core.UpstreamError{Message: err.Error(), Err: err}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 && method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &core.UpstreamError{Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &core.UpstreamError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	limit := c.MaxResponseSize
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &core.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if int64(len(raw)) > limit {
		err := errors.New("response exceeds size limit")
		return nil, &core.UpstreamError{Status: resp.StatusCode, Message: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &core.UpstreamError{
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, raw),
		}
	}

	return &Response{Status: resp.StatusCode, Data: asJSON(raw)}, nil
}

func buildURL(base string, query map[string]string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid upstream url: %q", base)
	}
	if len(query) > 0 {
		values := parsed.Query()
		for name, value := range query {
			values.Set(name, value)
		}
		parsed.RawQuery = values.Encode()
	}
	return parsed.String(), nil
}

// errorMessage prefers a message or error field from a JSON error body.
func errorMessage(status int, raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if text, ok := payload.Error.(string); ok && text != "" {
			return text
		}
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("Request failed with status code %d (%s)", status, text)
	}
	return fmt.Sprintf("Request failed with status code %d", status)
}

func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(string(raw))
	return encoded
}

// JoinURL joins a base URL and an endpoint path.
func JoinURL(baseURL, endpoint string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	path := strings.TrimSpace(endpoint)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
