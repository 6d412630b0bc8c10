package query

import (
	"time"

	"github.com/nicktill/tinyvitals/pkg/rollup"
)

// TimeLayout renders UTC instants with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DayKeys enumerates every UTC calendar day touched by [start, end], in order.
func DayKeys(start, end time.Time) []string {
	days := calendarDays(start, end)
	keys := make([]string, len(days))
	for i, d := range days {
		keys[i] = d.Format(rollup.DayLayout)
	}
	return keys
}

func calendarDays(start, end time.Time) []time.Time {
	cur := truncateDay(start)
	last := truncateDay(end)

	var days []time.Time
	for !cur.After(last) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}

// RecentDays returns the n UTC days ending at now, newest first.
func RecentDays(now time.Time, n int) []string {
	today := truncateDay(now)
	days := make([]string, 0, n)
	for i := 0; i < n; i++ {
		days = append(days, today.AddDate(0, 0, -i).Format(rollup.DayLayout))
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// endOfDay is the last millisecond of the day starting at d.
func endOfDay(d time.Time) time.Time {
	return d.AddDate(0, 0, 1).Add(-time.Millisecond)
}

// ISOWeekBounds returns the Monday 00:00:00.000 and Sunday 23:59:59.999 (UTC)
// of the ISO week containing t.
func ISOWeekBounds(t time.Time) (time.Time, time.Time) {
	d := truncateDay(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	monday := d.AddDate(0, 0, -offset)
	return monday, endOfDay(monday.AddDate(0, 0, 6))
}

// MonthBounds returns the first and last instant (UTC, millisecond precision)
// of the calendar month containing t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first, first.AddDate(0, 1, 0).Add(-time.Millisecond)
}
