package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
)

type memoryHitStore struct {
	mu      sync.Mutex
	records map[core.EndpointKey]core.HitRecord
}

func newMemoryHitStore() *memoryHitStore {
	return &memoryHitStore{records: make(map[core.EndpointKey]core.HitRecord)}
}

func copyRecord(r core.HitRecord) *core.HitRecord {
	r.Errors = append([]core.ErrorEntry(nil), r.Errors...)
	return &r
}

func (m *memoryHitStore) GetHitRecord(ctx context.Context, endpoint, method string) (*core.HitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[core.NewEndpointKey(endpoint, method)]
	if !ok {
		return nil, nil
	}
	return copyRecord(r), nil
}

func (m *memoryHitStore) CreateHitRecordIfAbsent(ctx context.Context, record *core.HitRecord) (*core.HitRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[record.Key()]; ok {
		return copyRecord(r), false, nil
	}
	m.records[record.Key()] = *copyRecord(*record)
	return copyRecord(*record), true, nil
}

func (m *memoryHitStore) SaveHitRecord(ctx context.Context, record *core.HitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key()] = *copyRecord(*record)
	return nil
}

func (m *memoryHitStore) ListHitRecords(ctx context.Context) ([]*core.HitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.HitRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (m *memoryHitStore) DeleteHitRecord(ctx context.Context, endpoint, method string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := core.NewEndpointKey(endpoint, method)
	_, ok := m.records[key]
	delete(m.records, key)
	return ok, nil
}

func testConfig(endpoint string) *core.EndpointConfig {
	d := core.DefaultDefaults()
	d.BaseURL = "https://api.example.com"
	d.DailyLimit = 10
	return core.NewEndpointConfig(core.NewEndpointKey(endpoint, "GET"), d)
}

func newTestTracker(now *time.Time) (*Tracker, *memoryHitStore) {
	store := newMemoryHitStore()
	return &Tracker{
		Store:  store,
		Logger: zap.NewNop(),
		Clock:  func() time.Time { return *now },
	}, store
}

func TestLoadOrCreate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, store := newTestTracker(&now)

	record, err := tr.LoadOrCreate(context.Background(), "/x", "get", 10)
	require.NoError(t, err)
	require.Equal(t, "GET", record.Method)
	require.Equal(t, 0, record.Hits)
	require.Nil(t, record.LastHitAt)
	require.Equal(t, 100.0, record.SuccessRate)
	require.Len(t, store.records, 1)

	again, err := tr.LoadOrCreate(context.Background(), "/x", "GET", 99)
	require.NoError(t, err)
	require.Equal(t, 10, again.DailyLimit)
}

func TestRecordHitRollingStats(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)
	cfg := testConfig("/x")

	record, err := tr.RecordHit(context.Background(), cfg, 100, true)
	require.NoError(t, err)
	require.Equal(t, 1, record.Hits)
	require.InDelta(t, 100.0, record.SuccessRate, 1e-9)
	require.InDelta(t, 100.0, record.AverageResponseTimeMs, 1e-9)

	record, err = tr.RecordHit(context.Background(), cfg, 200, false)
	require.NoError(t, err)
	require.Equal(t, 2, record.Hits)
	require.InDelta(t, 50.0, record.SuccessRate, 1e-9)
	require.InDelta(t, 150.0, record.AverageResponseTimeMs, 1e-9)
	require.Equal(t, now, *record.LastHitAt)
	require.Equal(t, 2, record.Traffic.Peak)
	require.Equal(t, 0, record.Traffic.OffPeak)
}

func TestRecordHitBuckets(t *testing.T) {
	now := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)

	record, err := tr.RecordHit(context.Background(), testConfig("/x"), 10, true)
	require.NoError(t, err)
	require.Equal(t, 0, record.Traffic.Peak)
	require.Equal(t, 1, record.Traffic.OffPeak)
}

func TestRecordErrorCap(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, store := newTestTracker(&now)
	cfg := testConfig("/x")

	for i := 1; i <= 101; i++ {
		_, err := tr.RecordError(context.Background(), cfg, "500", fmt.Sprintf("failure %d", i))
		require.NoError(t, err)
	}

	stored := store.records[cfg.Key()]
	require.Len(t, stored.Errors, 100)
	require.Equal(t, "failure 2", stored.Errors[0].Message)
	require.Equal(t, "failure 101", stored.Errors[99].Message)
	for _, entry := range stored.Errors {
		require.NotEqual(t, "failure 1", entry.Message)
	}
}

func TestIsLimitReachedResetsOnNewDay(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)
	cfg := testConfig("/x")

	for i := 0; i < 10; i++ {
		_, err := tr.RecordHit(context.Background(), cfg, 50, true)
		require.NoError(t, err)
	}

	record, err := tr.LoadOrCreate(context.Background(), "/x", "GET", 10)
	require.NoError(t, err)
	require.True(t, tr.IsLimitReached(record, cfg.Traffic, now))

	tomorrow := now.Add(24 * time.Hour)
	require.False(t, tr.IsLimitReached(record, cfg.Traffic, tomorrow))
	require.Equal(t, 0, record.Hits)
	require.Equal(t, core.TrafficBuckets{}, record.Traffic)

	now = tomorrow
	record, err = tr.RecordHit(context.Background(), cfg, 50, true)
	require.NoError(t, err)
	require.Equal(t, 1, record.Hits)
}

func TestRecordHitConcurrentNoLostUpdates(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, store := newTestTracker(&now)
	cfg := testConfig("/x")
	cfg.RateLimit.Daily = 1000

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.RecordHit(context.Background(), cfg, 10, true)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, store.records[cfg.Key()].Hits)
}

func TestResetAndAnalytics(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)
	ctx := context.Background()

	getCfg := testConfig("/x")
	postCfg := testConfig("/x")
	postCfg.Method = "POST"

	_, err := tr.RecordHit(ctx, getCfg, 100, true)
	require.NoError(t, err)
	_, err = tr.RecordHit(ctx, postCfg, 300, false)
	require.NoError(t, err)
	_, err = tr.RecordHit(ctx, testConfig("/y"), 10, true)
	require.NoError(t, err)

	stats, err := tr.Analytics(ctx, "/x")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[0].TotalHits)
	require.Equal(t, 2, stats[0].Records)
	require.InDelta(t, 50.0, stats[0].AverageSuccessRate, 1e-9)
	require.InDelta(t, 200.0, stats[0].AverageResponseTime, 1e-9)

	all, err := tr.Analytics(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "/x", all[0].Endpoint)

	deleted, err := tr.Reset(ctx, "/x", "post")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = tr.Reset(ctx, "/x", "POST")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestGetDoesNotCreate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tr, store := newTestTracker(&now)
	ctx := context.Background()

	record, err := tr.Get(ctx, "/x", "GET")
	require.NoError(t, err)
	require.Nil(t, record)
	require.Empty(t, store.records)

	_, err = tr.RecordHit(ctx, testConfig("/x"), 40, true)
	require.NoError(t, err)

	record, err = tr.Get(ctx, "/x", "get")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 1, record.Hits)
}
