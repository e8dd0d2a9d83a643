package consult

import (
	"time"

	"github.com/google/uuid"

	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/checkup"
	"github.com/cardio/consult/internal/domain/patient"
)

type RegisterRequest struct {
	Email string `json:"email"`
}

type ProfileRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Age       int    `json:"age"`
	Birthday  string `json:"birthday"`
	Gender    string `json:"gender"`
}

// SampleRequest is a heart-rate submission. Date and time default to the
// current clinic-local time when omitted.
type SampleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
	BPM  *int   `json:"bpm"`
}

// PatientView is a patient without the sample history.
type PatientView struct {
	ID           uuid.UUID                `json:"id"`
	Email        string                   `json:"email"`
	Role         string                   `json:"role"`
	Profile      patient.Profile          `json:"profile"`
	CheckupState checkup.State            `json:"checkup_state"`
	Schedule     *patient.ScheduleRequest `json:"schedule,omitempty"`
	SampleDays   int                      `json:"sample_days"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

func newPatientView(p *patient.Patient) *PatientView {
	return &PatientView{
		ID:           p.ID,
		Email:        p.Email,
		Role:         p.Role,
		Profile:      p.Profile,
		CheckupState: checkup.StateOf(p.Schedule),
		Schedule:     p.Schedule,
		SampleDays:   len(p.BpmHistory.Dates()),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

type LatestResponse struct {
	Sample *bpm.Sample `json:"sample"`
}

// DailyResponse carries a null average when the day has no samples.
type DailyResponse struct {
	Date    string        `json:"date"`
	Average *float64      `json:"average"`
	Band    *bpm.RiskBand `json:"band"`
	Samples []bpm.Sample  `json:"samples"`
}

type WeeklyResponse struct {
	WeekStart string             `json:"week_start"`
	WeekEnd   string             `json:"week_end"`
	Days      []bpm.DatedAverage `json:"days"`
}

type MonthlyResponse struct {
	Months []bpm.MonthlyAverage `json:"months"`
}

type DatesResponse struct {
	Dates []string `json:"dates"`
}

type CheckupResponse struct {
	State   checkup.State            `json:"state"`
	Request *patient.ScheduleRequest `json:"request"`
}
