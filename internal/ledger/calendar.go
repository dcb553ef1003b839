package ledger

import "time"

// All calendar arithmetic happens in UTC so that every exporter instance
// sharing a store agrees on day and month boundaries.

// DayKey returns the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// MonthKey returns the UTC calendar month of t as YYYY-MM.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns midnight UTC of the first day of the month containing t.
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// NextDay returns the start of the UTC day following t.
func NextDay(t time.Time) time.Time { return StartOfDay(t).AddDate(0, 0, 1) }

// NextMonth returns the start of the UTC month following t.
func NextMonth(t time.Time) time.Time { return StartOfMonth(t).AddDate(0, 1, 0) }

// InDay reports whether t falls on the UTC day containing ref.
func InDay(t, ref time.Time) bool {
	return !t.Before(StartOfDay(ref)) && t.Before(NextDay(ref))
}

// InMonth reports whether t falls in the UTC month containing ref.
func InMonth(t, ref time.Time) bool {
	return !t.Before(StartOfMonth(ref)) && t.Before(NextMonth(ref))
}

// Transition describes which calendar windows a RecordSeen call entered.
type Transition struct {
	NewDay   bool
	NewMonth bool
}

// Advance applies an observation at now to rec. LastSeenAt never moves
// backwards, and the first-seen markers are only replaced when now lies in a
// later UTC day or month than the current marker.
func Advance(rec ActivityRecord, now time.Time) (ActivityRecord, Transition) {
	now = now.UTC()
	var tr Transition

	if now.After(rec.LastSeenAt) {
		rec.LastSeenAt = now
	}
	if rec.FirstSeenToday.IsZero() || rec.FirstSeenToday.Before(StartOfDay(now)) {
		rec.FirstSeenToday = now
		tr.NewDay = true
	}
	if rec.FirstSeenThisMonth.IsZero() || rec.FirstSeenThisMonth.Before(StartOfMonth(now)) {
		rec.FirstSeenThisMonth = now
		tr.NewMonth = true
	}
	return rec, tr
}
