// Package tracker maintains per-endpoint hit records: daily counters, rolling
// success and latency statistics and a bounded error log.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/calendar"
	"github.com/quotaguard/quotaguard/internal/core/registry"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// Store persists hit records.
// GetHitRecord returns nil, nil when no record exists.
type Store interface {
	GetHitRecord(ctx context.Context, endpoint, method string) (*core.HitRecord, error)
	CreateHitRecordIfAbsent(ctx context.Context, record *core.HitRecord) (*core.HitRecord, bool, error)
	SaveHitRecord(ctx context.Context, record *core.HitRecord) error
	ListHitRecords(ctx context.Context) ([]*core.HitRecord, error)
	DeleteHitRecord(ctx context.Context, endpoint, method string) (bool, error)
}

// Tracker mutates hit records. Mutations for one (endpoint, method) are
// serialized in-process; each reloads the stored record, applies the change
// and persists the full record.
type Tracker struct {
	Store  Store
	Clock  func() time.Time
	Logger observability.Logger

	mu    sync.Mutex
	locks map[core.EndpointKey]*sync.Mutex
}

// New creates a tracker over store.
func New(store Store, logger observability.Logger) *Tracker {
	return &Tracker{Store: store, Logger: logger}
}

// LoadOrCreate returns the record for the key, inserting an empty one when
// absent.
func (t *Tracker) LoadOrCreate(ctx context.Context, endpoint, method string, dailyLimit int) (*core.HitRecord, error) {
	if t == nil || t.Store == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return t.loadOrCreate(ctx, core.NewEndpointKey(endpoint, method), dailyLimit)
}

// IsLimitReached reports whether the record has used its daily limit. When the
// last hit fell on an earlier calendar day in the traffic timezone the record's
// counters are reset in place and false is returned.
func (t *Tracker) IsLimitReached(record *core.HitRecord, traffic core.TrafficPattern, now time.Time) bool {
	if record == nil {
		return false
	}
	if resetIfNewDay(record, traffic, now) {
		return false
	}
	return record.Hits >= record.DailyLimit
}

// RecordHit folds one completed call into the record's rolling statistics.
func (t *Tracker) RecordHit(ctx context.Context, cfg *core.EndpointConfig, responseTimeMs float64, success bool) (*core.HitRecord, error) {
	if t == nil || t.Store == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	if cfg == nil {
		return nil, fmt.Errorf("endpoint config is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := cfg.Key()
	unlock := t.lock(key)
	defer unlock()

	record, err := t.loadOrCreate(ctx, key, cfg.RateLimit.Daily)
	if err != nil {
		return nil, err
	}

	now := t.now()
	if resetIfNewDay(record, cfg.Traffic, now) {
		record.DailyLimit = cfg.RateLimit.Daily
	}
	applyHit(record, responseTimeMs, success, registry.IsPeak(cfg.Traffic, now), now)

	if err := t.Store.SaveHitRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("save hit record %s: %w", key, err)
	}
	return record, nil
}

// RecordError appends an entry to the record's error log, keeping the newest
// core.MaxErrorLogEntries.
func (t *Tracker) RecordError(ctx context.Context, cfg *core.EndpointConfig, code, message string) (*core.HitRecord, error) {
	if t == nil || t.Store == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	if cfg == nil {
		return nil, fmt.Errorf("endpoint config is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := cfg.Key()
	unlock := t.lock(key)
	defer unlock()

	record, err := t.loadOrCreate(ctx, key, cfg.RateLimit.Daily)
	if err != nil {
		return nil, err
	}

	now := t.now()
	appendError(record, core.ErrorEntry{Timestamp: now, Code: code, Message: message})
	record.UpdatedAt = now

	if err := t.Store.SaveHitRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("save hit record %s: %w", key, err)
	}
	return record, nil
}

// Reset deletes the record so the next access starts fresh.
func (t *Tracker) Reset(ctx context.Context, endpoint, method string) (bool, error) {
	if t == nil || t.Store == nil {
		return false, fmt.Errorf("tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	unlock := t.lock(key)
	defer unlock()

	deleted, err := t.Store.DeleteHitRecord(ctx, key.Endpoint, key.Method)
	if err != nil {
		return false, fmt.Errorf("reset hit record %s: %w", key, err)
	}
	if deleted {
		observability.OrNop(t.Logger).Info("Reset hit record",
			zap.String("endpoint", key.Endpoint),
			zap.String("method", key.Method))
	}
	return deleted, nil
}

// Get returns the stored record without creating one. It returns nil when
// the endpoint has not been called yet.
func (t *Tracker) Get(ctx context.Context, endpoint, method string) (*core.HitRecord, error) {
	if t == nil || t.Store == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := core.NewEndpointKey(endpoint, method)
	record, err := t.Store.GetHitRecord(ctx, key.Endpoint, key.Method)
	if err != nil {
		return nil, fmt.Errorf("load hit record %s: %w", key, err)
	}
	return record, nil
}

// List returns every stored record.
func (t *Tracker) List(ctx context.Context) ([]*core.HitRecord, error) {
	if t == nil || t.Store == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return t.Store.ListHitRecords(ctx)
}

// Analytics aggregates records per endpoint. An empty filter includes all
// endpoints.
func (t *Tracker) Analytics(ctx context.Context, endpoint string) ([]core.Analytics, error) {
	records, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	return Aggregate(records, endpoint), nil
}

// Aggregate groups records by endpoint path.
func Aggregate(records []*core.HitRecord, endpoint string) []core.Analytics {
	groups := make(map[string]*core.Analytics)
	for _, record := range records {
		if record == nil {
			continue
		}
		if endpoint != "" && record.Endpoint != endpoint {
			continue
		}
		agg, ok := groups[record.Endpoint]
		if !ok {
			agg = &core.Analytics{Endpoint: record.Endpoint}
			groups[record.Endpoint] = agg
		}
		agg.Records++
		agg.TotalHits += record.Hits
		agg.AverageSuccessRate += record.SuccessRate
		agg.AverageResponseTime += record.AverageResponseTimeMs
		agg.PeakHits += record.Traffic.Peak
		agg.OffPeakHits += record.Traffic.OffPeak
	}

	out := make([]core.Analytics, 0, len(groups))
	for _, agg := range groups {
		agg.AverageSuccessRate /= float64(agg.Records)
		agg.AverageResponseTime /= float64(agg.Records)
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (t *Tracker) loadOrCreate(ctx context.Context, key core.EndpointKey, dailyLimit int) (*core.HitRecord, error) {
	record, err := t.Store.GetHitRecord(ctx, key.Endpoint, key.Method)
	if err != nil {
		return nil, fmt.Errorf("load hit record %s: %w", key, err)
	}
	if record != nil {
		return record, nil
	}

	record, _, err = t.Store.CreateHitRecordIfAbsent(ctx, core.NewHitRecord(key, dailyLimit, t.now()))
	if err != nil {
		return nil, fmt.Errorf("create hit record %s: %w", key, err)
	}
	return record, nil
}

func (t *Tracker) lock(key core.EndpointKey) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[core.EndpointKey]*sync.Mutex)
	}
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (t *Tracker) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}

func resetIfNewDay(record *core.HitRecord, traffic core.TrafficPattern, now time.Time) bool {
	if record.LastHitAt == nil {
		return false
	}
	if calendar.SameDay(*record.LastHitAt, now, calendar.MustLocation(traffic.Timezone)) {
		return false
	}
	record.Hits = 0
	record.Traffic = core.TrafficBuckets{}
	return true
}

func applyHit(record *core.HitRecord, responseTimeMs float64, success bool, peak bool, now time.Time) {
	n := float64(record.Hits + 1)
	outcome := 0.0
	if success {
		outcome = 100
	}
	record.SuccessRate = (record.SuccessRate*(n-1) + outcome) / n
	record.AverageResponseTimeMs = (record.AverageResponseTimeMs*(n-1) + responseTimeMs) / n
	record.Hits++

	at := now
	record.LastHitAt = &at
	record.UpdatedAt = now

	if peak {
		record.Traffic.Peak++
	} else {
		record.Traffic.OffPeak++
	}
}

func appendError(record *core.HitRecord, entry core.ErrorEntry) {
	record.Errors = append(record.Errors, entry)
	if over := len(record.Errors) - core.MaxErrorLogEntries; over > 0 {
		record.Errors = append([]core.ErrorEntry(nil), record.Errors[over:]...)
	}
}
