package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
)

func testTraffic() core.TrafficPattern {
	return core.TrafficPattern{
		PeakStart:    9,
		PeakEnd:      17,
		PeakShare:    0.7,
		OffPeakShare: 0.3,
		Timezone:     "UTC",
	}
}

func TestSchedulerDailyLimit(t *testing.T) {
	s := &Scheduler{}
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)

	for _, used := range []int{10, 11, 50} {
		d := s.Decide(used, nil, 10, testTraffic(), now)
		require.False(t, d.Allow)
		require.Equal(t, ReasonDailyLimit, d.Reason)
		require.Equal(t, int64(3600), d.WaitSeconds)
	}
}

func TestSchedulerPacing(t *testing.T) {
	s := &Scheduler{}
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)

	last := now.Add(-3599 * time.Second)
	d := s.Decide(9, &last, 10, testTraffic(), now)
	require.False(t, d.Allow)
	require.Equal(t, ReasonPacing, d.Reason)
	require.Equal(t, int64(1), d.WaitSeconds)

	last = now.Add(-3600 * time.Second)
	d = s.Decide(9, &last, 10, testTraffic(), now)
	require.True(t, d.Allow)
	require.Empty(t, d.Reason)
	require.Equal(t, 1, d.Remaining)
}

func TestSchedulerFirstCallAllowed(t *testing.T) {
	s := &Scheduler{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	d := s.Decide(0, nil, 500, testTraffic(), now)
	require.True(t, d.Allow)
	require.Equal(t, 500, d.Remaining)
	// Peak hour: ceil(500 * 0.7).
	require.Equal(t, 350, d.HourlyLimit)
}

func TestSchedulerHourlyLimitOffPeak(t *testing.T) {
	s := &Scheduler{}
	now := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	d := s.Decide(490, nil, 500, testTraffic(), now)
	require.True(t, d.Allow)
	require.Equal(t, 3, d.HourlyLimit)
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, 1000, RetryDelayMs(1, 1000, true))
	require.Equal(t, 2000, RetryDelayMs(2, 1000, true))
	require.Equal(t, 4000, RetryDelayMs(3, 1000, true))
	require.Equal(t, 30000, RetryDelayMs(10, 1000, true))
	require.Equal(t, 1000, RetryDelayMs(5, 1000, false))

	s := &Scheduler{}
	require.Equal(t, 2*time.Second, s.RetryDelay(2, 1000, true))
}

func TestSchedulerSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	s := &Scheduler{Clock: func() time.Time { return now }}

	record := core.NewHitRecord(core.NewEndpointKey("/x", "GET"), 10, now)
	record.Hits = 8

	snap := s.Snapshot(testTraffic(), record)
	require.False(t, snap.IsPeakHour)
	require.Equal(t, 23, snap.CurrentHour)
	require.Equal(t, int64(3600), snap.SecondsUntilReset)
	require.Equal(t, 2, snap.Remaining)
	require.Equal(t, int64(1800), snap.MinSpacingSeconds)
	require.Equal(t, 1, snap.AdvisoryHourlyLimit)
}
