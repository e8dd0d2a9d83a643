package consult

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/checkup"
	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/apperror"
	"github.com/cardio/consult/internal/platform/auth"
)

// Caller is the authenticated identity a request runs as.
type Caller struct {
	Subject string
	Roles   []string
}

func CallerFromContext(ctx context.Context) Caller {
	return Caller{Subject: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func (c Caller) IsDoctor() bool { return auth.HasRole(c.Roles, auth.RoleDoctor) }
func (c Caller) IsAdmin() bool  { return auth.HasRole(c.Roles, auth.RoleAdmin) }

func (c Caller) isSelf(id uuid.UUID) bool {
	return c.Subject != "" && strings.EqualFold(c.Subject, id.String())
}

// Service routes authorized calls to the aggregator and the checkup
// workflow. It holds no business rules of its own.
type Service struct {
	patients patient.Store
	bpm      *bpm.Aggregator
	checkups *checkup.Workflow
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

type ServiceOption func(*Service)

// WithLocation sets the timezone used to default sample dates and week anchors.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) { s.loc = loc }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(patients patient.Store, agg *bpm.Aggregator, checkups *checkup.Workflow, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		patients: patients,
		bpm:      agg,
		checkups: checkups,
		loc:      time.UTC,
		now:      time.Now,
		logger:   logger.With().Str("component", "consult").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Authorization --

func (s *Service) canRead(c Caller, id uuid.UUID) error {
	if c.isSelf(id) || c.IsDoctor() {
		return nil
	}
	return apperror.Forbidden("not allowed to read this patient")
}

func (s *Service) canWrite(c Caller, id uuid.UUID) error {
	if c.isSelf(id) || c.IsAdmin() {
		return nil
	}
	return apperror.Forbidden("only the patient may submit for this record")
}

func (s *Service) canReview(c Caller) error {
	if c.IsDoctor() {
		return nil
	}
	return apperror.Forbidden("doctor role required")
}

// -- Patients --

// Register creates a patient record. A caller whose subject is a UUID gets a
// record with that id, linking the identity to the record.
func (s *Service) Register(ctx context.Context, c Caller, req RegisterRequest) (*PatientView, error) {
	email := patient.NormalizeEmail(req.Email)
	if email == "" {
		return nil, apperror.MissingField("email")
	}
	if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return nil, apperror.Validation("invalid email address", map[string]string{"email": req.Email})
	}

	p := &patient.Patient{Email: email, Role: patient.RolePatient}
	if id, err := uuid.Parse(c.Subject); err == nil {
		p.ID = id
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, patient.MapError("register patient", p.ID, err)
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient registered")
	return newPatientView(p), nil
}

func (s *Service) UpdateProfile(ctx context.Context, c Caller, id uuid.UUID, req ProfileRequest) (*PatientView, error) {
	if err := s.canWrite(c, id); err != nil {
		return nil, err
	}
	profile, err := validateProfile(req)
	if err != nil {
		return nil, err
	}
	p, err := patient.Mutate(ctx, s.patients, id, patient.DefaultMutateAttempts, func(*patient.Patient) (*patient.Patch, error) {
		return &patient.Patch{Profile: profile}, nil
	})
	if err != nil {
		return nil, patient.MapError("update profile", id, err)
	}
	return newPatientView(p), nil
}

func validateProfile(req ProfileRequest) (*patient.Profile, error) {
	var missing []string
	if strings.TrimSpace(req.FirstName) == "" {
		missing = append(missing, "first_name")
	}
	if strings.TrimSpace(req.LastName) == "" {
		missing = append(missing, "last_name")
	}
	if req.Age <= 0 {
		missing = append(missing, "age")
	}
	if strings.TrimSpace(req.Birthday) == "" {
		missing = append(missing, "birthday")
	}
	if strings.TrimSpace(req.Gender) == "" {
		missing = append(missing, "gender")
	}
	if len(missing) > 0 {
		return nil, apperror.MissingField(missing...)
	}
	birthday, err := patient.NormalizeDay(req.Birthday)
	if err != nil {
		return nil, apperror.Validation("invalid birthday", map[string]string{"birthday": req.Birthday})
	}
	return &patient.Profile{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Age:       req.Age,
		Birthday:  birthday,
		Gender:    strings.TrimSpace(req.Gender),
	}, nil
}

func (s *Service) GetPatient(ctx context.Context, c Caller, id uuid.UUID) (*PatientView, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		return nil, patient.MapError("load patient", id, err)
	}
	return newPatientView(p), nil
}

// ListPatients is the doctor dashboard listing.
func (s *Service) ListPatients(ctx context.Context, c Caller, f patient.Filter, limit, offset int) ([]*PatientView, int, error) {
	if err := s.canReview(c); err != nil {
		return nil, 0, err
	}
	items, total, err := s.patients.Query(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, apperror.Storage("list patients", err)
	}
	views := make([]*PatientView, 0, len(items))
	for _, p := range items {
		views = append(views, newPatientView(p))
	}
	return views, total, nil
}

// -- BPM --

func (s *Service) SubmitSample(ctx context.Context, c Caller, id uuid.UUID, req SampleRequest) (*bpm.IngestResult, error) {
	if err := s.canWrite(c, id); err != nil {
		return nil, err
	}
	if req.BPM == nil {
		return nil, apperror.MissingField("bpm")
	}
	now := s.now().In(s.loc)
	date, clock := strings.TrimSpace(req.Date), strings.TrimSpace(req.Time)
	if date == "" {
		date = now.Format(patient.DateLayout)
	}
	if clock == "" {
		clock = now.Format(patient.TimeLayout)
	}
	return s.bpm.Ingest(ctx, id, date, clock, *req.BPM)
}

func (s *Service) GetLatest(ctx context.Context, c Caller, id uuid.UUID, date string) (*LatestResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	var sample *bpm.Sample
	var err error
	if date == "" {
		sample, err = s.bpm.Latest(ctx, id)
	} else {
		sample, err = s.bpm.LatestOn(ctx, id, date)
	}
	if err != nil {
		return nil, err
	}
	return &LatestResponse{Sample: sample}, nil
}

func (s *Service) GetDailyAverage(ctx context.Context, c Caller, id uuid.UUID, date string) (*DailyResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	summary, err := s.bpm.Daily(ctx, id, date)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		key, _ := patient.NormalizeDay(date)
		return &DailyResponse{Date: key, Samples: []bpm.Sample{}}, nil
	}
	return &DailyResponse{
		Date:    summary.Date,
		Average: &summary.Average,
		Band:    &summary.Band,
		Samples: summary.Samples,
	}, nil
}

// GetWeeklyAverages uses today in the clinic timezone when anchor is empty.
func (s *Service) GetWeeklyAverages(ctx context.Context, c Caller, id uuid.UUID, anchor string) (*WeeklyResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	day := patient.DayOf(s.now().In(s.loc))
	if anchor != "" {
		parsed, err := patient.ParseDay(anchor)
		if err != nil {
			return nil, apperror.Validation("invalid anchor date", map[string]string{"anchor": anchor})
		}
		day = parsed
	}
	days, err := s.bpm.WeeklyAverages(ctx, id, day)
	if err != nil {
		return nil, err
	}
	return &WeeklyResponse{
		WeekStart: patient.DayKey(bpm.StartOfWeek(day)),
		WeekEnd:   patient.DayKey(bpm.EndOfWeek(day)),
		Days:      days,
	}, nil
}

func (s *Service) GetMonthlyAverages(ctx context.Context, c Caller, id uuid.UUID) (*MonthlyResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	months, err := s.bpm.MonthlyAverages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MonthlyResponse{Months: months}, nil
}

func (s *Service) ListDates(ctx context.Context, c Caller, id uuid.UUID) (*DatesResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	dates, err := s.bpm.AvailableDates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DatesResponse{Dates: dates}, nil
}

func (s *Service) ListRecords(ctx context.Context, c Caller, id uuid.UUID, limit, offset int) ([]bpm.Sample, int, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, 0, err
	}
	return s.bpm.Records(ctx, id, limit, offset)
}

// ExportRecords renders every sample of the patient as a spreadsheet.
func (s *Service) ExportRecords(ctx context.Context, c Caller, id uuid.UUID) ([]byte, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	samples, _, err := s.bpm.Records(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	data, err := bpm.ExportRecords(samples)
	if err != nil {
		return nil, apperror.Storage("export records", err)
	}
	return data, nil
}

// -- Checkups --

func (s *Service) GetScheduleRequest(ctx context.Context, c Caller, id uuid.UUID) (*CheckupResponse, error) {
	if err := s.canRead(c, id); err != nil {
		return nil, err
	}
	req, state, err := s.checkups.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckupResponse{State: state, Request: req}, nil
}

func (s *Service) SubmitScheduleRequest(ctx context.Context, c Caller, id uuid.UUID, in checkup.SubmitInput) (*CheckupResponse, error) {
	if err := s.canWrite(c, id); err != nil {
		return nil, err
	}
	req, err := s.checkups.Submit(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return &CheckupResponse{State: checkup.StatePending, Request: req}, nil
}

func (s *Service) ApproveSchedule(ctx context.Context, c Caller, id uuid.UUID) (*CheckupResponse, error) {
	if err := s.canReview(c); err != nil {
		return nil, err
	}
	req, err := s.checkups.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckupResponse{State: checkup.StateApproved, Request: req}, nil
}
