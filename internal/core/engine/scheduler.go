package engine

import (
	"math"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/calendar"
)

const (
	// ReasonDailyLimit is returned when the daily quota is exhausted.
	ReasonDailyLimit = "daily limit reached"
	// ReasonPacing is returned when a call would outrun the even pace.
	ReasonPacing = "pacing"

	// MaxRetryDelayMs caps exponential backoff.
	MaxRetryDelayMs = 30000
)

// Decision is the admission verdict for a single call attempt.
type Decision struct {
	Allow       bool   `json:"allow"`
	WaitSeconds int64  `json:"wait_seconds"`
	Reason      string `json:"reason,omitempty"`
	Remaining   int    `json:"remaining"`

	// HourlyLimit is advisory. Nothing enforces it against an hourly counter.
	HourlyLimit int `json:"hourly_limit,omitempty"`
}

// Snapshot summarizes the pacing position of an endpoint.
type Snapshot struct {
	IsPeakHour          bool    `json:"is_peak_hour"`
	CurrentHour         int     `json:"current_hour"`
	SecondsUntilReset   int64   `json:"seconds_until_reset"`
	PeakShare           float64 `json:"peak_share"`
	OffPeakShare        float64 `json:"off_peak_share"`
	PeakStart           int     `json:"peak_start"`
	PeakEnd             int     `json:"peak_end"`
	Timezone            string  `json:"timezone"`
	Remaining           int     `json:"remaining,omitempty"`
	MinSpacingSeconds   int64   `json:"min_spacing_seconds,omitempty"`
	AdvisoryHourlyLimit int     `json:"advisory_hourly_limit,omitempty"`
}

// Scheduler paces calls so the daily quota lasts until the day boundary.
type Scheduler struct {
	Clock func() time.Time
}

// Decide reports whether a call may proceed now.
func (s *Scheduler) Decide(usedHits int, lastHitAt *time.Time, dailyLimit int, traffic core.TrafficPattern, now time.Time) Decision {
	loc := calendar.MustLocation(traffic.Timezone)
	untilBoundary := calendar.SecondsUntilDayBoundary(now, loc)

	remaining := dailyLimit - usedHits
	if remaining <= 0 {
		return Decision{
			Allow:       false,
			WaitSeconds: untilBoundary,
			Reason:      ReasonDailyLimit,
		}
	}

	minSpacing := minSpacingSeconds(untilBoundary, remaining)
	if lastHitAt != nil {
		elapsed := int64(math.Floor(now.Sub(*lastHitAt).Seconds()))
		if elapsed < minSpacing {
			return Decision{
				Allow:       false,
				WaitSeconds: minSpacing - elapsed,
				Reason:      ReasonPacing,
				Remaining:   remaining,
			}
		}
	}

	return Decision{
		Allow:       true,
		Remaining:   remaining,
		HourlyLimit: hourlyLimit(remaining, traffic, now, loc),
	}
}

// RetryDelay returns the wait before retry attempt n (1-based).
func (s *Scheduler) RetryDelay(attempt int, baseDelayMs int, backoff bool) time.Duration {
	return time.Duration(RetryDelayMs(attempt, baseDelayMs, backoff)) * time.Millisecond
}

// RetryDelayMs computes min(base * 2^(attempt-1), 30000) with backoff, or base
// without it.
func RetryDelayMs(attempt int, baseDelayMs int, backoff bool) int {
	if baseDelayMs <= 0 {
		return 0
	}
	if !backoff {
		return baseDelayMs
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(baseDelayMs) * math.Pow(2, float64(attempt-1))
	if delay > MaxRetryDelayMs {
		return MaxRetryDelayMs
	}
	return int(delay)
}

// Snapshot reports the current pacing position for traffic. When record is
// non-nil the remaining quota and spacing are included.
func (s *Scheduler) Snapshot(traffic core.TrafficPattern, record *core.HitRecord) Snapshot {
	now := s.now()
	loc := calendar.MustLocation(traffic.Timezone)
	hour := calendar.HourOf(now, loc)
	untilBoundary := calendar.SecondsUntilDayBoundary(now, loc)

	snap := Snapshot{
		IsPeakHour:        calendar.InWindow(hour, traffic.PeakStart, traffic.PeakEnd),
		CurrentHour:       hour,
		SecondsUntilReset: untilBoundary,
		PeakShare:         traffic.PeakShare,
		OffPeakShare:      traffic.OffPeakShare,
		PeakStart:         traffic.PeakStart,
		PeakEnd:           traffic.PeakEnd,
		Timezone:          loc.String(),
	}

	if record != nil {
		remaining := record.DailyLimit - record.Hits
		if record.LastHitAt != nil && !calendar.SameDay(*record.LastHitAt, now, loc) {
			remaining = record.DailyLimit
		}
		if remaining > 0 {
			snap.Remaining = remaining
			snap.MinSpacingSeconds = minSpacingSeconds(untilBoundary, remaining)
			snap.AdvisoryHourlyLimit = hourlyLimit(remaining, traffic, now, loc)
		}
	}

	return snap
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func minSpacingSeconds(untilBoundary int64, remaining int) int64 {
	if remaining <= 0 {
		return untilBoundary
	}
	return int64(math.Ceil(float64(untilBoundary) / float64(remaining)))
}

func hourlyLimit(remaining int, traffic core.TrafficPattern, now time.Time, loc *time.Location) int {
	share := traffic.OffPeakShare
	if calendar.InWindow(calendar.HourOf(now, loc), traffic.PeakStart, traffic.PeakEnd) {
		share = traffic.PeakShare
	}
	// Shares like 0.3 are inexact in binary; trim float noise before rounding up.
	return int(math.Ceil(float64(remaining)*share - 1e-9))
}
