package patient

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// BpmReading is a single heart-rate sample. Values are stored as submitted.
type BpmReading struct {
	Value int `json:"bpmValue"`
}

// DaySamples maps a time key (HH:MM:SS) to the sample taken at that second.
type DaySamples map[string]BpmReading

// BpmHistory maps a date key (YYYY-MM-DD) to that day's samples.
type BpmHistory map[string]DaySamples

// Dates returns the dates that hold at least one sample, ascending.
func (h BpmHistory) Dates() []string {
	dates := make([]string, 0, len(h))
	for d, samples := range h {
		if len(samples) > 0 {
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)
	return dates
}

// Times returns the time keys of a day, ascending.
func (s DaySamples) Times() []string {
	times := make([]string, 0, len(s))
	for t := range s {
		times = append(times, t)
	}
	sort.Strings(times)
	return times
}

// Mean returns the arithmetic mean of the day's values.
func (s DaySamples) Mean() (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	sum := 0
	for _, r := range s {
		sum += r.Value
	}
	return float64(sum) / float64(len(s)), true
}

// ScheduleRequest is the single outstanding checkup request of a patient.
type ScheduleRequest struct {
	Date        string     `json:"date"`
	Time        string     `json:"time"`
	Message     string     `json:"message"`
	Approved    bool       `json:"approved"`
	Notified    bool       `json:"notified"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// Pending reports whether the request still awaits a doctor.
func (r *ScheduleRequest) Pending() bool {
	return r != nil && !r.Approved
}

// Profile holds the demographics collected after registration.
type Profile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Age       int    `json:"age"`
	Birthday  string `json:"birthday"`
	Gender    string `json:"gender"`
}

// Patient maps to the patients table.
type Patient struct {
	ID          uuid.UUID          `db:"id" json:"id"`
	Email       string             `db:"email" json:"email"`
	Role        string             `db:"role" json:"role"`
	Profile     Profile            `db:"profile" json:"profile"`
	BpmHistory  BpmHistory         `db:"bpm_history" json:"bpm_history"`
	BpmAverages map[string]float64 `db:"bpm_averages" json:"bpm_averages"`
	Schedule    *ScheduleRequest   `db:"schedule" json:"schedule,omitempty"`
	Version     int                `db:"version" json:"version"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
}

// NormalizeEmail lowercases and trims an address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Clone returns a deep copy so that callers never share maps with a store.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	out := *p
	out.BpmHistory = make(BpmHistory, len(p.BpmHistory))
	for d, samples := range p.BpmHistory {
		day := make(DaySamples, len(samples))
		for t, r := range samples {
			day[t] = r
		}
		out.BpmHistory[d] = day
	}
	out.BpmAverages = make(map[string]float64, len(p.BpmAverages))
	for d, avg := range p.BpmAverages {
		out.BpmAverages[d] = avg
	}
	if p.Schedule != nil {
		s := *p.Schedule
		if p.Schedule.ApprovedAt != nil {
			at := *p.Schedule.ApprovedAt
			s.ApprovedAt = &at
		}
		out.Schedule = &s
	}
	return &out
}
