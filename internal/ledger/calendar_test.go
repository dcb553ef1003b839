package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalendarKeysUseUTC(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	// 01:30 in Moscow on Jan 1 is still Dec 31 in UTC.
	ts := time.Date(2027, 1, 1, 1, 30, 0, 0, msk)

	require.Equal(t, "2026-12-31", DayKey(ts))
	require.Equal(t, "2026-12", MonthKey(ts))
	require.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), StartOfDay(ts))
	require.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), StartOfMonth(ts))
	require.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextDay(ts))
	require.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextMonth(ts))
}

func TestCalendarWindows(t *testing.T) {
	ref := time.Date(2028, 2, 29, 12, 0, 0, 0, time.UTC)

	require.True(t, InDay(time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), ref))
	require.True(t, InDay(time.Date(2028, 2, 29, 23, 59, 59, 0, time.UTC), ref))
	require.False(t, InDay(time.Date(2028, 3, 1, 0, 0, 0, 0, time.UTC), ref))
	require.False(t, InDay(time.Date(2028, 2, 28, 23, 59, 59, 0, time.UTC), ref))

	require.True(t, InMonth(time.Date(2028, 2, 1, 0, 0, 0, 0, time.UTC), ref))
	require.False(t, InMonth(time.Date(2028, 3, 1, 0, 0, 0, 0, time.UTC), ref))
	require.False(t, InMonth(time.Time{}, ref))
}

func TestAdvance(t *testing.T) {
	day1 := time.Date(2026, 10, 31, 23, 59, 0, 0, time.UTC)
	day1Later := day1.Add(30 * time.Second)
	day2 := time.Date(2026, 11, 1, 0, 1, 0, 0, time.UTC)
	day3 := time.Date(2026, 11, 2, 8, 0, 0, 0, time.UTC)

	rec, tr := Advance(ActivityRecord{PeerID: "a"}, day1)
	require.Equal(t, Transition{NewDay: true, NewMonth: true}, tr)
	require.Equal(t, day1, rec.LastSeenAt)
	require.Equal(t, day1, rec.FirstSeenToday)
	require.Equal(t, day1, rec.FirstSeenThisMonth)

	rec, tr = Advance(rec, day1Later)
	require.Equal(t, Transition{}, tr)
	require.Equal(t, day1Later, rec.LastSeenAt)
	require.Equal(t, day1, rec.FirstSeenToday)

	// Crossing midnight at the month boundary resets both markers.
	rec, tr = Advance(rec, day2)
	require.Equal(t, Transition{NewDay: true, NewMonth: true}, tr)
	require.Equal(t, day2, rec.FirstSeenToday)
	require.Equal(t, day2, rec.FirstSeenThisMonth)

	rec, tr = Advance(rec, day3)
	require.Equal(t, Transition{NewDay: true}, tr)
	require.Equal(t, day3, rec.FirstSeenToday)
	require.Equal(t, day2, rec.FirstSeenThisMonth)

	// An observation from the past never moves LastSeenAt back.
	rec, tr = Advance(rec, day2)
	require.Equal(t, Transition{}, tr)
	require.Equal(t, day3, rec.LastSeenAt)
	require.Equal(t, day3, rec.FirstSeenToday)
}

func TestIsOnline(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	threshold := 180 * time.Second

	require.True(t, IsOnline(now.Add(-10*time.Second), now, threshold))
	require.True(t, IsOnline(now.Add(-threshold), now, threshold))
	require.False(t, IsOnline(now.Add(-threshold-time.Second), now, threshold))
	require.False(t, IsOnline(now.Add(-72*time.Hour), now, threshold))
	require.False(t, IsOnline(time.Time{}, now, threshold))
}
