package output

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleConfig() *core.EndpointConfig {
	cfg := core.NewEndpointConfig(core.NewEndpointKey("/v1/weather", "get"), core.DefaultDefaults())
	cfg.BaseURL = "https://api.example.com"
	cfg.Headers = map[string]string{"X-Api-Key": "secret-value", "Accept": "application/json"}
	return cfg
}

func TestEndpointsTable(t *testing.T) {
	rendered, err := Endpoints(FormatTable, []*core.EndpointConfig{sampleConfig()})
	require.NoError(t, err)

	assert.Contains(t, rendered, "/v1/weather")
	assert.Contains(t, rendered, "GET")
	assert.Contains(t, rendered, "1 endpoint(s)")
}

func TestEndpointDetailHidesHeaderValues(t *testing.T) {
	rendered, err := Endpoint(FormatTable, sampleConfig())
	require.NoError(t, err)

	assert.Contains(t, rendered, "Accept, X-Api-Key")
	assert.NotContains(t, rendered, "secret-value")
}

func TestEndpointsJSON(t *testing.T) {
	rendered, err := Endpoints(FormatJSON, []*core.EndpointConfig{sampleConfig()})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "/v1/weather", decoded[0]["endpoint"])
}

func TestHitRecordsMarkdown(t *testing.T) {
	last := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	record := core.NewHitRecord(core.NewEndpointKey("/v1/weather", "GET"), 500, last)
	record.Hits = 12
	record.LastHitAt = &last

	rendered, err := HitRecords(FormatMarkdown, []*core.HitRecord{record})
	require.NoError(t, err)

	assert.Contains(t, rendered, "| GET | /v1/weather | 12 | 500 | 488 |")
	assert.Contains(t, rendered, "2026-10-19T08:30:00Z")
}

func TestAnalyticsTable(t *testing.T) {
	rendered, err := Analytics(FormatTable, []core.Analytics{{Endpoint: "/v1/weather", TotalHits: 40, Records: 2, AverageSuccessRate: 97.5}})
	require.NoError(t, err)

	assert.Contains(t, rendered, "/v1/weather")
	assert.Contains(t, rendered, "97.5%")
}

func TestCacheLabel(t *testing.T) {
	assert.Equal(t, "off", cacheLabel(core.CachePolicy{}))
	assert.Equal(t, "simple 1h0m0s", cacheLabel(core.CachePolicy{Enabled: true, TTLSeconds: 3600, Strategy: core.CacheStrategySimple}))
	assert.Equal(t, "sliding no expiry", cacheLabel(core.CachePolicy{Enabled: true, Strategy: core.CacheStrategySliding}))
}
