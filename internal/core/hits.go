package core

import "time"

// MaxErrorLogEntries caps the per-record error log.
const MaxErrorLogEntries = 100

// TrafficBuckets counts hits inside and outside the peak window.
type TrafficBuckets struct {
	Peak    int `json:"peak"`
	OffPeak int `json:"off_peak"`
}

// ErrorEntry is a single recorded upstream failure.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// HitRecord holds per-endpoint usage state. It is scoped to (endpoint, method)
// for all callers.
type HitRecord struct {
	Endpoint              string         `json:"endpoint"`
	Method                string         `json:"method"`
	Hits                  int            `json:"hits"`
	LastHitAt             *time.Time     `json:"last_hit_at,omitempty"`
	DailyLimit            int            `json:"daily_limit"`
	SuccessRate           float64        `json:"success_rate"`
	AverageResponseTimeMs float64        `json:"average_response_time_ms"`
	Traffic               TrafficBuckets `json:"traffic"`
	Errors                []ErrorEntry   `json:"errors"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// NewHitRecord returns an empty record for key.
func NewHitRecord(key EndpointKey, dailyLimit int, now time.Time) *HitRecord {
	return &HitRecord{
		Endpoint:    key.Endpoint,
		Method:      key.Method,
		DailyLimit:  dailyLimit,
		SuccessRate: 100,
		Errors:      []ErrorEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Key returns the normalized key of the record.
func (r *HitRecord) Key() EndpointKey {
	if r == nil {
		return EndpointKey{}
	}
	return NewEndpointKey(r.Endpoint, r.Method)
}

// Remaining returns the hits left for the day, never negative.
func (r *HitRecord) Remaining() int {
	if r == nil {
		return 0
	}
	remaining := r.DailyLimit - r.Hits
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Analytics aggregates hit records per endpoint.
type Analytics struct {
	Endpoint            string  `json:"endpoint"`
	TotalHits           int     `json:"total_hits"`
	AverageSuccessRate  float64 `json:"average_success_rate"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
	PeakHits            int     `json:"peak_hits"`
	OffPeakHits         int     `json:"off_peak_hits"`
	Records             int     `json:"records"`
}
