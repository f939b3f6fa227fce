// Package calendar provides the day-boundary and local-hour helpers used for
// quota pacing.
package calendar

import (
	"math"
	"strings"
	"sync"
	"time"
)

var (
	locMu     sync.RWMutex
	locations = map[string]*time.Location{}
)

// Location resolves an IANA timezone name. Empty names resolve to UTC.
// Resolved locations are cached.
func Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}

	locMu.RLock()
	loc, ok := locations[name]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}

	locMu.Lock()
	locations[name] = loc
	locMu.Unlock()
	return loc, nil
}

// MustLocation resolves name and falls back to UTC on error.
func MustLocation(name string) *time.Location {
	loc, err := Location(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextDayBoundary returns the next local midnight after now.
func NextDayBoundary(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// SecondsUntilDayBoundary returns the whole seconds, rounded up, until the next
// local midnight.
func SecondsUntilDayBoundary(now time.Time, loc *time.Location) int64 {
	remaining := NextDayBoundary(now, loc).Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}

// HourOf returns the local hour of t.
func HourOf(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}

// SameDay reports whether a and b fall on the same local calendar day.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// InWindow reports whether hour lies in [start, end). A window whose end is
// before its start wraps past midnight.
func InWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
