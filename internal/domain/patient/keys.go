package patient

import (
	"fmt"
	"strings"
	"time"
)

// Canonical key layouts of the persisted record. Dates sort
// lexicographically in chronological order.
const (
	DateLayout  = "2006-01-02"
	TimeLayout  = "15:04:05"
	MonthLayout = "2006-01"
)

// dayLayouts also accepts the M/D/YYYY keys written by the web client.
var dayLayouts = []string{DateLayout, "1/2/2006"}

var clockLayouts = []string{TimeLayout, "15:04", "3:04:05 PM", "3:04 PM"}

// ParseDay parses a calendar day. The result is midnight UTC so that day
// arithmetic never crosses a DST boundary.
func ParseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}

// DayKey formats a calendar day as a history key.
func DayKey(t time.Time) string {
	return t.Format(DateLayout)
}

// DayOf returns the calendar day of t in its own location, as midnight UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeDay parses s and returns its canonical key.
func NormalizeDay(s string) (string, error) {
	t, err := ParseDay(s)
	if err != nil {
		return "", err
	}
	return DayKey(t), nil
}

// ParseClock parses a time of day and returns the offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("unparsable time %q", s)
}

// ClockKey formats an offset from midnight as a history key.
func ClockKey(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// NormalizeClock parses s and returns its canonical key.
func NormalizeClock(s string) (string, error) {
	d, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return ClockKey(d), nil
}
