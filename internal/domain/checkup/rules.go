package checkup

import "time"

// Rules are the clinic constraints a checkup request must satisfy.
type Rules struct {
	OpenHour      int
	CloseHour     int
	MaxMessageLen int
}

func DefaultRules() Rules {
	return Rules{OpenHour: 9, CloseHour: 17, MaxMessageLen: 3000}
}

// WithinClinicHours reports whether a time of day falls in [OpenHour, CloseHour).
func (r Rules) WithinClinicHours(clock time.Duration) bool {
	hour := int(clock / time.Hour)
	return hour >= r.OpenHour && hour < r.CloseHour
}

// IsPastDate reports whether day is strictly before today. Both are calendar
// days at midnight UTC.
func IsPastDate(day, today time.Time) bool {
	return day.Before(today)
}
