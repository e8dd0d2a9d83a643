package consult

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/checkup"
	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/apperror"
)

var testNow = time.Date(2024, 3, 6, 14, 30, 0, 0, time.UTC)

func newTestService() (*Service, patient.Store) {
	store := patient.NewMemoryStore()
	clock := func() time.Time { return testNow }
	agg := bpm.NewAggregator(store, zerolog.Nop())
	wf := checkup.NewWorkflow(store, zerolog.Nop(), checkup.WithClock(clock))
	return NewService(store, agg, wf, zerolog.Nop(), WithClock(clock)), store
}

func registerPatient(t *testing.T, svc *Service, email string) (uuid.UUID, Caller) {
	t.Helper()
	id := uuid.New()
	self := Caller{Subject: id.String(), Roles: []string{"patient"}}
	view, err := svc.Register(context.Background(), self, RegisterRequest{Email: email})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if view.ID != id {
		t.Fatalf("expected record id to follow the caller subject")
	}
	return id, self
}

var doctor = Caller{Subject: "dr-house", Roles: []string{"doctor"}}
var admin = Caller{Subject: "ops", Roles: []string{"admin"}}

func intPtr(v int) *int { return &v }

func TestService_Register(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	registerPatient(t, svc, "jane@example.com")

	_, err := svc.Register(ctx, Caller{Subject: uuid.NewString()}, RegisterRequest{Email: "JANE@example.com"})
	if !apperror.Is(err, apperror.KindConflict) {
		t.Errorf("expected conflict for duplicate email, got %v", err)
	}
	_, err = svc.Register(ctx, Caller{}, RegisterRequest{})
	if !apperror.Is(err, apperror.KindMissingField) {
		t.Errorf("expected missing field, got %v", err)
	}
	_, err = svc.Register(ctx, Caller{}, RegisterRequest{Email: "not-an-email"})
	if !apperror.Is(err, apperror.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_RegisterTwiceKeepsRecord(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "a@example.com")
	if _, err := svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-05", Time: "09:00", BPM: intPtr(72)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := svc.Register(ctx, self, RegisterRequest{Email: "b@example.com"})
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict on re-registration, got %v", err)
	}

	p, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Email != "a@example.com" || len(p.BpmHistory["2024-03-05"]) != 1 {
		t.Errorf("record changed by re-registration: email=%q history=%v", p.Email, p.BpmHistory)
	}
}

func TestService_EndToEndSamples(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")

	if _, err := svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-05", Time: "09:00:00", BPM: intPtr(72)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-05", Time: "09:05:00", BPM: intPtr(88)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	daily, err := svc.GetDailyAverage(ctx, doctor, id, "2024-03-05")
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if daily.Average == nil || *daily.Average != 80.0 {
		t.Errorf("expected average 80.0, got %v", daily.Average)
	}

	latest, err := svc.GetLatest(ctx, self, id, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sample.Value != 88 || latest.Sample.Band != bpm.BandElevated {
		t.Errorf("expected latest 88 in band 3, got %+v", latest.Sample)
	}
}

func TestService_SubmitSampleDefaultsToNow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")

	res, err := svc.SubmitSample(ctx, self, id, SampleRequest{BPM: intPtr(65)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sample.Date != "2024-03-06" || res.Sample.Time != "14:30:00" {
		t.Errorf("expected sample at the current time, got %+v", res.Sample)
	}

	_, err = svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-06"})
	if !apperror.Is(err, apperror.KindMissingField) {
		t.Errorf("expected missing bpm, got %v", err)
	}
}

func TestService_Authorization(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, _ := registerPatient(t, svc, "jane@example.com")
	other := Caller{Subject: uuid.NewString(), Roles: []string{"patient"}}

	if _, err := svc.SubmitSample(ctx, other, id, SampleRequest{BPM: intPtr(70)}); !apperror.Is(err, apperror.KindForbidden) {
		t.Errorf("expected another patient to be forbidden from submitting, got %v", err)
	}
	if _, err := svc.SubmitSample(ctx, doctor, id, SampleRequest{BPM: intPtr(70)}); !apperror.Is(err, apperror.KindForbidden) {
		t.Errorf("expected a doctor to be forbidden from submitting samples, got %v", err)
	}
	if _, err := svc.SubmitSample(ctx, admin, id, SampleRequest{BPM: intPtr(70)}); err != nil {
		t.Errorf("expected admin to submit, got %v", err)
	}
	if _, err := svc.GetMonthlyAverages(ctx, other, id); !apperror.Is(err, apperror.KindForbidden) {
		t.Errorf("expected another patient to be forbidden from reading, got %v", err)
	}
	if _, err := svc.GetMonthlyAverages(ctx, doctor, id); err != nil {
		t.Errorf("expected doctor to read, got %v", err)
	}
	if _, err := svc.ApproveSchedule(ctx, Caller{Subject: id.String(), Roles: []string{"patient"}}, id); !apperror.Is(err, apperror.KindForbidden) {
		t.Errorf("expected patient to be forbidden from approving, got %v", err)
	}
	if _, _, err := svc.ListPatients(ctx, other, patient.Filter{}, 10, 0); !apperror.Is(err, apperror.KindForbidden) {
		t.Errorf("expected patient to be forbidden from listing, got %v", err)
	}
}

func TestService_CheckupFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")

	status, err := svc.GetScheduleRequest(ctx, self, id)
	if err != nil || status.State != checkup.StateNoRequest || status.Request != nil {
		t.Fatalf("expected no request, got %+v, %v", status, err)
	}

	in := checkup.SubmitInput{Date: "2024-03-07", Time: "11:00", Message: "Palpitations at night"}
	if _, err := svc.SubmitScheduleRequest(ctx, self, id, in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SubmitScheduleRequest(ctx, self, id, in); !apperror.Is(err, apperror.KindSchedulePending) {
		t.Errorf("expected pending rejection, got %v", err)
	}

	pending := true
	items, total, err := svc.ListPatients(ctx, doctor, patient.Filter{PendingSchedule: &pending}, 10, 0)
	if err != nil || total != 1 || items[0].ID != id {
		t.Fatalf("expected the patient in the pending list, got %d, %v", total, err)
	}

	approved, err := svc.ApproveSchedule(ctx, doctor, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.State != checkup.StateApproved || !approved.Request.Notified {
		t.Errorf("unexpected approval: %+v", approved)
	}
}

func TestService_UpdateProfile(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")

	_, err := svc.UpdateProfile(ctx, self, id, ProfileRequest{FirstName: "Jane"})
	if !apperror.Is(err, apperror.KindMissingField) {
		t.Errorf("expected missing fields, got %v", err)
	}

	view, err := svc.UpdateProfile(ctx, self, id, ProfileRequest{
		FirstName: "Jane", LastName: "Doe", Age: 34, Birthday: "7/14/1989", Gender: "female",
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if view.Profile.Birthday != "1989-07-14" || view.Profile.LastName != "Doe" {
		t.Errorf("unexpected profile: %+v", view.Profile)
	}
}

func TestService_WeeklyDefaultsToCurrentWeek(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")
	svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-04", Time: "10:00", BPM: intPtr(60)})

	week, err := svc.GetWeeklyAverages(ctx, self, id, "")
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if week.WeekStart != "2024-03-03" || week.WeekEnd != "2024-03-09" || len(week.Days) != 1 {
		t.Errorf("unexpected week: %+v", week)
	}

	if _, err := svc.GetWeeklyAverages(ctx, self, id, "someday"); !apperror.Is(err, apperror.KindValidation) {
		t.Errorf("expected validation error for bad anchor, got %v", err)
	}
}

func TestService_DailyWithoutSamples(t *testing.T) {
	svc, _ := newTestService()
	id, self := registerPatient(t, svc, "jane@example.com")

	daily, err := svc.GetDailyAverage(context.Background(), self, id, "3/1/2024")
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if daily.Average != nil || daily.Band != nil || len(daily.Samples) != 0 || daily.Date != "2024-03-01" {
		t.Errorf("expected absent average, got %+v", daily)
	}
}

func TestService_ExportRecords(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	id, self := registerPatient(t, svc, "jane@example.com")
	svc.SubmitSample(ctx, self, id, SampleRequest{Date: "2024-03-04", Time: "10:00", BPM: intPtr(60)})

	data, err := svc.ExportRecords(ctx, doctor, id)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected a workbook")
	}
}
