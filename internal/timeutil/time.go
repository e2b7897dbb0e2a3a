// Package timeutil holds the calendar arithmetic shared by enforcement
// jobs: business-day offsets, UTC day keys for idempotency scoping, and
// activity due-instant resolution.
package timeutil

import "time"

// AddBusinessDays returns t advanced by n business days. Saturdays and
// Sundays are skipped; the time of day is preserved.
func AddBusinessDays(t time.Time, n int) time.Time {
	result := t
	remaining := n
	for remaining > 0 {
		result = result.AddDate(0, 0, 1)
		wd := result.UTC().Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			remaining--
		}
	}
	return result
}

// DateYYYYMMDD formats t's UTC date as "2006-01-02".
func DateYYYYMMDD(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DayKey returns the UTC calendar-day component embedded in idempotency
// keys and budget counters.
func DayKey(t time.Time) string {
	return DateYYYYMMDD(t)
}

// DueAtUTC resolves an activity's due date and optional "HH:MM" due time
// into a UTC instant. A missing or malformed due time defaults to 23:59
// UTC on the due date. Returns false when dueDate is empty or unparsable.
func DueAtUTC(dueDate, dueTime string) (time.Time, bool) {
	if dueDate == "" {
		return time.Time{}, false
	}
	if len(dueTime) < 5 {
		dueTime = "23:59"
	}
	t, err := time.Parse("2006-01-02T15:04", dueDate+"T"+dueTime[:5])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
