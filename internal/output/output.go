package output

import (
	"fmt"
	"strings"

	"github.com/quotaguard/quotaguard/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Endpoints renders endpoint configs.
func Endpoints(format Format, configs []*core.EndpointConfig) (string, error) {
	if format == FormatJSON {
		return marshal(configs)
	}
	return render(format, endpointsTable(configs)), nil
}

// Endpoint renders a single endpoint config in detail.
func Endpoint(format Format, cfg *core.EndpointConfig) (string, error) {
	if format == FormatJSON {
		return marshal(cfg)
	}
	return render(format, endpointDetailTable(cfg)), nil
}

// HitRecords renders hit records.
func HitRecords(format Format, records []*core.HitRecord) (string, error) {
	if format == FormatJSON {
		return marshal(records)
	}
	return render(format, hitRecordsTable(records)), nil
}

// Analytics renders per-endpoint aggregates.
func Analytics(format Format, stats []core.Analytics) (string, error) {
	if format == FormatJSON {
		return marshal(stats)
	}
	return render(format, analyticsTable(stats)), nil
}
