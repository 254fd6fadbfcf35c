package browser

import (
	"strings"
	"time"
)

// matchesSubstring reports whether value contains filter, case-insensitively.
// An empty filter matches everything.
func matchesSubstring(value, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(filter))
}

// matchesModality reports whether modality is in the allowed set. An empty
// set admits every modality.
func matchesModality(modality string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// DateMode selects the study date filter window.
type DateMode int

const (
	DateAny DateMode = iota
	DateToday
	DateYesterday
	DateLastWeek
	DateLastMonth
	DateLastYear
	DateCustomRange
)

var dateModeNames = map[DateMode]string{
	DateAny:         "any",
	DateToday:       "today",
	DateYesterday:   "yesterday",
	DateLastWeek:    "last-week",
	DateLastMonth:   "last-month",
	DateLastYear:    "last-year",
	DateCustomRange: "custom",
}

func (m DateMode) String() string { return dateModeNames[m] }

// ParseDateMode maps the wire name back to a mode; unknown names fall back
// to DateAny.
func ParseDateMode(s string) DateMode {
	for m, name := range dateModeNames {
		if name == s {
			return m
		}
	}
	return DateAny
}

// DateFilter is the study-level date predicate. Start/End apply only to
// DateCustomRange and are inclusive; a zero bound disables that side of the
// range entirely (no filtering).
type DateFilter struct {
	Mode  DateMode
	Start time.Time
	End   time.Time
}

// Matches evaluates the filter for a stored DICOM DA value at the given
// reference time. Empty or malformed dates always pass: partial data never
// hides a row.
func (f DateFilter) Matches(stored string, now time.Time) bool {
	if f.Mode == DateAny {
		return true
	}
	day, ok := parseDICOMDate(stored)
	if !ok {
		return true
	}
	today := truncateToDay(now)
	switch f.Mode {
	case DateToday:
		return day.Equal(today)
	case DateYesterday:
		return day.Equal(today.AddDate(0, 0, -1))
	case DateLastWeek:
		return withinDayWindow(day, today, 7)
	case DateLastMonth:
		return withinDayWindow(day, today, 30)
	case DateLastYear:
		return withinDayWindow(day, today, 365)
	case DateCustomRange:
		if f.Start.IsZero() || f.End.IsZero() {
			return true
		}
		start := truncateToDay(f.Start)
		end := truncateToDay(f.End)
		return !day.Before(start) && !day.After(end)
	default:
		return true
	}
}

// withinDayWindow reports day ∈ [today-offset, today], inclusive.
func withinDayWindow(day, today time.Time, offset int) bool {
	return !day.Before(today.AddDate(0, 0, -offset)) && !day.After(today)
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// parseDICOMDate accepts DICOM DA ("YYYYMMDD") and the dashed ISO form.
func parseDICOMDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return truncateToDay(t), true
		}
	}
	return time.Time{}, false
}

// parseDICOMDateTime combines a DA date and TM time for ordering. A row
// without a parseable date gets the zero time, which sorts last in the
// descending views.
func parseDICOMDateTime(date, tm string) (time.Time, bool) {
	day, ok := parseDICOMDate(date)
	if !ok {
		return time.Time{}, false
	}
	tm = strings.TrimSpace(tm)
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm = tm[:i]
	}
	tm = strings.ReplaceAll(tm, ":", "")
	var h, m, s int
	switch {
	case len(tm) >= 6:
		h, m, s = atoi2(tm[0:2]), atoi2(tm[2:4]), atoi2(tm[4:6])
	case len(tm) >= 4:
		h, m = atoi2(tm[0:2]), atoi2(tm[2:4])
	case len(tm) >= 2:
		h = atoi2(tm[0:2])
	}
	if h > 23 || m > 59 || s > 60 {
		return day, true
	}
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), true
}

func atoi2(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
