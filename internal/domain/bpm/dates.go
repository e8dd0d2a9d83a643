package bpm

import (
	"time"

	"github.com/cardio/consult/internal/domain/patient"
)

// StartOfWeek returns the Sunday on or before day.
func StartOfWeek(day time.Time) time.Time {
	day = patient.DayOf(day)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// EndOfWeek returns the Saturday on or after day.
func EndOfWeek(day time.Time) time.Time {
	return StartOfWeek(day).AddDate(0, 0, 6)
}

// WeekDays returns the seven date keys of the Sunday-start week containing day.
func WeekDays(day time.Time) []string {
	start := StartOfWeek(day)
	keys := make([]string, 7)
	for i := range keys {
		keys[i] = patient.DayKey(start.AddDate(0, 0, i))
	}
	return keys
}

// MonthKey returns the YYYY-MM key of a date key.
func MonthKey(dateKey string) string {
	if len(dateKey) < 7 {
		return dateKey
	}
	return dateKey[:7]
}
