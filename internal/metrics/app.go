package metrics

import (
	"strconv"
	"time"

	"github.com/quotaguard/quotaguard/internal/observability"
)

// Quota mediation metrics following Prometheus conventions
var (
	// Cache
	CacheLookupsTotal = "quotaguard_cache_lookups_total"
	CacheFaultsTotal  = "quotaguard_cache_faults_total"

	// Admission
	AdmissionDecisionsTotal = "quotaguard_admission_decisions_total"
	AdvisoryHourlyLimit     = "quotaguard_advisory_hourly_limit"
	RemainingHits           = "quotaguard_remaining_hits"

	// Upstream
	UpstreamAttemptsTotal = "quotaguard_upstream_attempts_total"
	UpstreamDuration      = "quotaguard_upstream_duration_ms"

	// Pipeline
	PipelineOutcomesTotal = "quotaguard_pipeline_outcomes_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
)

// RecordCacheLookup counts a cache read. purpose is "fresh" or "stale".
func RecordCacheLookup(purpose string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheLookupsTotal,
			1,
			map[string]string{
				"purpose": purpose,
				"result":  result,
			},
		)
	}
}

// RecordCacheFault counts a swallowed cache backend failure.
func RecordCacheFault(backend string, op string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheFaultsTotal,
			1,
			map[string]string{
				"backend":   backend,
				"operation": op,
			},
		)
	}
}

// RecordAdmission counts an admission verdict.
func RecordAdmission(endpoint string, allowed bool, reason string) {
	verdict := "allow"
	if !allowed {
		verdict = "deny"
	}
	if reason == "" {
		reason = "none"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			AdmissionDecisionsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"verdict":  verdict,
				"reason":   reason,
			},
		)
	}
}

// SetQuotaPosition publishes remaining hits and the advisory hourly limit.
func SetQuotaPosition(endpoint string, remaining int, hourlyLimit int) {
	if observability.TelemetrySystem != nil {
		labels := map[string]string{"endpoint": endpoint}
		_ = observability.TelemetrySystem.Gauge(RemainingHits, float64(remaining), labels)
		_ = observability.TelemetrySystem.Gauge(AdvisoryHourlyLimit, float64(hourlyLimit), labels)
	}
}

// RecordUpstreamAttempt records one outbound call. status is 0 on network errors.
func RecordUpstreamAttempt(endpoint string, status int, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamAttemptsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"status":   strconv.Itoa(status),
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			UpstreamDuration,
			duration,
			map[string]string{
				"endpoint": endpoint,
			},
		)
	}
}

// RecordPipelineOutcome counts the terminal state of a mediated request.
func RecordPipelineOutcome(state string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			PipelineOutcomesTotal,
			1,
			map[string]string{
				"state": state,
			},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
