package types

import (
	"fmt"
	"time"
)

// Period keys identify the calendar window a digest job targets. They are the
// dedup dimension for digest delivery: one job per (subscriber, kind, period).
// Boundaries follow the ISO calendar in the site's configured location so that
// re-invocations within a window are deterministic.

// PeriodDay returns the period key for a daily digest: "2026-08-30".
func PeriodDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// PeriodWeek returns the period key for a weekly digest using the ISO year
// and week number: "2026-W35".
func PeriodWeek(t time.Time, loc *time.Location) string {
	year, week := t.In(loc).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PeriodMonth returns the period key for a monthly digest: "2026-08".
func PeriodMonth(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// PeriodKeyFor maps a digest kind to its period key for the given time.
// Returns "" for non-digest kinds, which carry no period.
func PeriodKeyFor(kind NotificationKind, t time.Time, loc *time.Location) string {
	switch kind {
	case KindDigestDaily:
		return PeriodDay(t, loc)
	case KindDigestWeekly:
		return PeriodWeek(t, loc)
	case KindDigestMonthly:
		return PeriodMonth(t, loc)
	}
	return ""
}

// ClampDayOfMonth resolves a configured day-of-month against the month of t.
// If the configured day exceeds the days in the current month the last day is
// used instead: clamp, never skip.
func ClampDayOfMonth(day int, t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	last := time.Date(lt.Year(), lt.Month()+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}
