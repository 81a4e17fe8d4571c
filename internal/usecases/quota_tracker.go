package usecases

import (
	"time"

	"bulkmailer/internal/entities"
)

const dateLayout = "2006-01-02"

// QuotaTracker resets usage counters on calendar day and hour boundaries.
type QuotaTracker struct {
	loc *time.Location
}

func NewQuotaTracker(loc *time.Location) *QuotaTracker {
	if loc == nil {
		loc = time.Local
	}
	return &QuotaTracker{loc: loc}
}

func (q *QuotaTracker) DateOf(now time.Time) string { return now.In(q.loc).Format(dateLayout) }

func (q *QuotaTracker) HourOf(now time.Time) int { return now.In(q.loc).Hour() }

// Stamp marks w as fresh for now without touching counters.
func (q *QuotaTracker) Stamp(w *entities.UsageWindow, now time.Time) {
	w.LastResetDate = q.DateOf(now)
	w.LastResetHour = q.HourOf(now)
}

// ResetIfStale zeroes counters whose window has passed and reports whether
// anything changed. The hourly window also rolls on a date change so the
// same clock hour on a later day never reuses old usage.
func (q *QuotaTracker) ResetIfStale(w *entities.UsageWindow, now time.Time) bool {
	date, hour := q.DateOf(now), q.HourOf(now)
	changed := false
	if w.LastResetHour != hour || w.LastResetDate != date {
		if w.HourlyUsage != 0 || w.LastResetHour != hour {
			changed = true
		}
		w.HourlyUsage = 0
		w.LastResetHour = hour
	}
	if w.LastResetDate != date {
		w.DailyUsage = 0
		w.LastResetDate = date
		changed = true
	}
	return changed
}

// RecordSend counts one send. Eligibility is the caller's job.
func (q *QuotaTracker) RecordSend(w *entities.UsageWindow) {
	w.DailyUsage++
	w.HourlyUsage++
}

// ResetUserIfStale applies the daily rule to a user record.
func (q *QuotaTracker) ResetUserIfStale(u *entities.User, now time.Time) bool {
	date := q.DateOf(now)
	if u.LastResetDate == date {
		return false
	}
	u.DailyUsage = 0
	u.LastResetDate = date
	return true
}
