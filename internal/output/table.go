package output

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/quotaguard/quotaguard/internal/core"
)

func render(format Format, t table.Writer) string {
	if format == FormatMarkdown {
		return t.RenderMarkdown()
	}
	t.SetStyle(table.StyleRounded)
	return t.Render()
}

func endpointsTable(configs []*core.EndpointConfig) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Method", "Endpoint", "Active", "Daily", "Cache", "Retry", "Peak", "Timezone"})

	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		t.AppendRow(table.Row{
			cfg.Method,
			cfg.Endpoint,
			yesNo(cfg.Active),
			cfg.RateLimit.Daily,
			cacheLabel(cfg.Cache),
			retryLabel(cfg.Retry),
			peakLabel(cfg.Traffic),
			cfg.Traffic.Timezone,
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d endpoint(s)", len(configs)), "", "", "", "", "", ""})
	return t
}

func endpointDetailTable(cfg *core.EndpointConfig) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	if cfg == nil {
		return t
	}

	hourly := "-"
	if cfg.RateLimit.Hourly != nil {
		hourly = strconv.Itoa(*cfg.RateLimit.Hourly)
	}
	fallback := "-"
	if cfg.Errors.FallbackResponse != nil {
		fallback = string(cfg.Errors.FallbackResponse.Kind)
	}

	t.AppendRows([]table.Row{
		{"endpoint", cfg.Endpoint},
		{"method", cfg.Method},
		{"base_url", cfg.BaseURL},
		{"active", yesNo(cfg.Active)},
		{"headers", headerNames(cfg.Headers)},
		{"daily_limit", cfg.RateLimit.Daily},
		{"hourly_limit", hourly},
		{"concurrent_limit", cfg.RateLimit.Concurrent},
		{"cache", cacheLabel(cfg.Cache)},
		{"retry", retryLabel(cfg.Retry)},
		{"retry_on_status", intList(cfg.Errors.RetryOnStatus)},
		{"fallback", fallback},
		{"peak", peakLabel(cfg.Traffic)},
		{"timezone", cfg.Traffic.Timezone},
		{"updated_at", timestamp(cfg.UpdatedAt)},
	})
	return t
}

func hitRecordsTable(records []*core.HitRecord) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Method", "Endpoint", "Hits", "Limit", "Remaining", "Success", "Avg ms", "Peak/Off", "Errors", "Last Hit"})

	for _, record := range records {
		if record == nil {
			continue
		}
		lastHit := "-"
		if record.LastHitAt != nil {
			lastHit = timestamp(*record.LastHitAt)
		}
		t.AppendRow(table.Row{
			record.Method,
			record.Endpoint,
			record.Hits,
			record.DailyLimit,
			record.Remaining(),
			fmt.Sprintf("%.1f%%", record.SuccessRate),
			fmt.Sprintf("%.0f", record.AverageResponseTimeMs),
			fmt.Sprintf("%d/%d", record.Traffic.Peak, record.Traffic.OffPeak),
			len(record.Errors),
			lastHit,
		})
	}
	return t
}

func analyticsTable(stats []core.Analytics) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Endpoint", "Records", "Total Hits", "Avg Success", "Avg ms", "Peak", "Off-Peak"})

	for _, s := range stats {
		t.AppendRow(table.Row{
			s.Endpoint,
			s.Records,
			s.TotalHits,
			fmt.Sprintf("%.1f%%", s.AverageSuccessRate),
			fmt.Sprintf("%.0f", s.AverageResponseTime),
			s.PeakHits,
			s.OffPeakHits,
		})
	}
	return t
}

func cacheLabel(policy core.CachePolicy) string {
	if !policy.Enabled {
		return "off"
	}
	ttl := "no expiry"
	if policy.TTLSeconds > 0 {
		ttl = (time.Duration(policy.TTLSeconds) * time.Second).String()
	}
	return fmt.Sprintf("%s %s", policy.Strategy, ttl)
}

func retryLabel(policy core.RetryPolicy) string {
	if policy.Attempts <= 0 {
		return "none"
	}
	label := fmt.Sprintf("%dx %dms", policy.Attempts, policy.DelayMs)
	if policy.Backoff {
		label += " backoff"
	}
	return label
}

func peakLabel(traffic core.TrafficPattern) string {
	return fmt.Sprintf("%02d-%02d %.0f%%/%.0f%%", traffic.PeakStart, traffic.PeakEnd, traffic.PeakShare*100, traffic.OffPeakShare*100)
}

// headerNames lists header names only; values may hold credentials.
func headerNames(headers map[string]string) string {
	if len(headers) == 0 {
		return "-"
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func intList(values []int) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
