package checkup

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/apperror"
	"github.com/cardio/consult/internal/platform/metrics"
)

// State is the position of a patient's checkup request in the workflow.
type State string

const (
	StateNoRequest State = "none"
	StatePending   State = "pending"
	StateApproved  State = "approved"
)

// StateOf derives the workflow state from a stored request.
func StateOf(r *patient.ScheduleRequest) State {
	switch {
	case r == nil:
		return StateNoRequest
	case r.Approved:
		return StateApproved
	default:
		return StatePending
	}
}

// Notifier is told about approvals after they are persisted.
type Notifier interface {
	CheckupApproved(ctx context.Context, p *patient.Patient) error
}

// SubmitInput is a checkup request as entered by the patient.
type SubmitInput struct {
	Date    string `json:"date"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

type Option func(*Workflow)

func WithRules(r Rules) Option {
	return func(w *Workflow) { w.rules = r }
}

// WithClock overrides the time source used for the past-date check.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithLocation sets the clinic timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(w *Workflow) { w.loc = loc }
}

func WithNotifier(n Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// Workflow manages the single outstanding checkup request of each patient.
type Workflow struct {
	store    patient.Store
	rules    Rules
	now      func() time.Time
	loc      *time.Location
	notifier Notifier
	logger   zerolog.Logger
	attempts int
}

func NewWorkflow(store patient.Store, logger zerolog.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		rules:    DefaultRules(),
		now:      time.Now,
		loc:      time.UTC,
		logger:   logger.With().Str("component", "checkup").Logger(),
		attempts: patient.DefaultMutateAttempts,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Rules returns the constraints the workflow enforces.
func (w *Workflow) Rules() Rules {
	return w.rules
}

// Current returns the stored request, which is nil in StateNoRequest.
func (w *Workflow) Current(ctx context.Context, patientID uuid.UUID) (*patient.ScheduleRequest, State, error) {
	p, err := w.store.Get(ctx, patientID)
	if err != nil {
		return nil, "", patient.MapError("load checkup request", patientID, err)
	}
	return p.Schedule, StateOf(p.Schedule), nil
}

// Submit stores a new pending request. It is rejected while another request
// is pending, whatever the content of the new one.
func (w *Workflow) Submit(ctx context.Context, patientID uuid.UUID, in SubmitInput) (*patient.ScheduleRequest, error) {
	var from State
	updated, err := patient.Mutate(ctx, w.store, patientID, w.attempts, func(cur *patient.Patient) (*patient.Patch, error) {
		from = StateOf(cur.Schedule)
		if from == StatePending {
			return nil, apperror.SchedulePending()
		}
		req, err := w.validate(in)
		if err != nil {
			return nil, err
		}
		return &patient.Patch{Schedule: req}, nil
	})
	if err != nil {
		if kind := apperror.KindOf(err); kind != "" && kind != apperror.KindStorage && kind != apperror.KindNotFound {
			metrics.RecordCheckupRejection(string(kind))
		}
		return nil, patient.MapError("submit checkup request", patientID, err)
	}

	metrics.RecordCheckupTransition(string(from), string(StatePending))
	w.logger.Info().
		Str("patient_id", patientID.String()).
		Str("date", updated.Schedule.Date).
		Str("time", updated.Schedule.Time).
		Str("from", string(from)).
		Msg("checkup requested")
	return updated.Schedule, nil
}

func (w *Workflow) validate(in SubmitInput) (*patient.ScheduleRequest, error) {
	date := strings.TrimSpace(in.Date)
	clock := strings.TrimSpace(in.Time)
	message := strings.TrimSpace(in.Message)

	var missing []string
	if date == "" {
		missing = append(missing, "date")
	}
	if clock == "" {
		missing = append(missing, "time")
	}
	if message == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return nil, apperror.MissingField(missing...)
	}

	day, err := patient.ParseDay(date)
	if err != nil {
		return nil, apperror.Validation("invalid checkup date", map[string]string{"date": date})
	}
	offset, err := patient.ParseClock(clock)
	if err != nil {
		return nil, apperror.Validation("invalid checkup time", map[string]string{"time": clock})
	}

	today := patient.DayOf(w.now().In(w.loc))
	if IsPastDate(day, today) {
		return nil, apperror.PastDate(patient.DayKey(day))
	}
	if !w.rules.WithinClinicHours(offset) {
		return nil, apperror.OutsideHours(clock, w.rules.OpenHour, w.rules.CloseHour)
	}
	if n := utf8.RuneCountInString(message); n > w.rules.MaxMessageLen {
		return nil, apperror.Validation(
			fmt.Sprintf("message must be at most %d characters", w.rules.MaxMessageLen),
			map[string]string{"length": fmt.Sprint(n)},
		)
	}

	return &patient.ScheduleRequest{
		Date:        patient.DayKey(day),
		Time:        patient.ClockKey(offset)[:5],
		Message:     message,
		SubmittedAt: w.now().UTC(),
	}, nil
}

// Approve moves a pending request to approved and marks the patient notified
// in the same write. The notifier runs afterwards; its failure is logged and
// does not undo the approval.
func (w *Workflow) Approve(ctx context.Context, patientID uuid.UUID) (*patient.ScheduleRequest, error) {
	updated, err := patient.Mutate(ctx, w.store, patientID, w.attempts, func(cur *patient.Patient) (*patient.Patch, error) {
		switch StateOf(cur.Schedule) {
		case StateNoRequest:
			return nil, apperror.InvalidTransition("no checkup request to approve")
		case StateApproved:
			return nil, apperror.InvalidTransition("checkup request is already approved")
		}
		approvedAt := w.now().UTC()
		req := *cur.Schedule
		req.Approved = true
		req.Notified = true
		req.ApprovedAt = &approvedAt
		return &patient.Patch{Schedule: &req}, nil
	})
	if err != nil {
		return nil, patient.MapError("approve checkup request", patientID, err)
	}

	metrics.RecordCheckupTransition(string(StatePending), string(StateApproved))
	w.logger.Info().
		Str("patient_id", patientID.String()).
		Str("date", updated.Schedule.Date).
		Str("time", updated.Schedule.Time).
		Msg("checkup approved")

	if w.notifier != nil {
		if err := w.notifier.CheckupApproved(ctx, updated); err != nil {
			w.logger.Error().Err(err).Str("patient_id", patientID.String()).Msg("checkup approval notification failed")
		}
	}
	return updated.Schedule, nil
}
