package patient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardio/consult/internal/platform/apperror"
)

func newPatient(t *testing.T, s Store, email string) *Patient {
	t.Helper()
	p := &Patient{Email: email, Role: RolePatient}
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	p := newPatient(t, s, "Jane@Example.com ")
	if p.ID == uuid.Nil {
		t.Fatal("expected ID to be assigned")
	}
	if p.Version != 1 {
		t.Errorf("expected version 1, got %d", p.Version)
	}

	got, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "jane@example.com" {
		t.Errorf("expected normalized email, got %q", got.Email)
	}
}

func TestMemoryStore_DuplicateEmail(t *testing.T) {
	s := NewMemoryStore()
	newPatient(t, s, "jane@example.com")
	err := s.Create(context.Background(), &Patient{Email: "JANE@example.com"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestMemoryStore_CreateExistingID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newPatient(t, s, "a@example.com")
	if err := s.Update(ctx, p.ID, &Patch{Samples: BpmHistory{"2024-01-01": {"09:00:00": {Value: 72}}}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	err := s.Create(ctx, &Patient{ID: p.ID, Email: "b@example.com"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if !apperror.Is(MapError("register patient", p.ID, err), apperror.KindConflict) {
		t.Errorf("expected a conflict after mapping, got %v", MapError("register patient", p.ID, err))
	}

	got, _ := s.Get(ctx, p.ID)
	if got.Email != "a@example.com" || len(got.BpmHistory["2024-01-01"]) != 1 {
		t.Errorf("existing record was modified: email=%q history=%v", got.Email, got.BpmHistory)
	}
	if err := s.Create(ctx, &Patient{Email: "b@example.com"}); err != nil {
		t.Errorf("expected the rejected email to stay free, got %v", err)
	}
}

func TestUniqueError(t *testing.T) {
	tests := []struct {
		constraint string
		want       error
	}{
		{"patients_pkey", ErrAlreadyExists},
		{"idx_patients_email", ErrDuplicateEmail},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			err := uniqueError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: tt.constraint})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	err := uniqueError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "other"})
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("unknown constraint should not map to a known error, got %v", err)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	p := newPatient(t, s, "a@example.com")
	got, _ := s.Get(context.Background(), p.ID)
	got.BpmHistory["2024-01-01"] = DaySamples{"09:00:00": {Value: 1}}

	again, _ := s.Get(context.Background(), p.ID)
	if len(again.BpmHistory) != 0 {
		t.Error("mutating a returned record must not change the store")
	}
}

func TestMemoryStore_UpdateMergesPerKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newPatient(t, s, "a@example.com")

	if err := s.Update(ctx, p.ID, &Patch{Samples: BpmHistory{"2024-01-01": {"09:00:00": {Value: 70}}}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Update(ctx, p.ID, &Patch{Samples: BpmHistory{"2024-01-01": {"10:00:00": {Value: 90}}}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.Get(ctx, p.ID)
	day := got.BpmHistory["2024-01-01"]
	if len(day) != 2 {
		t.Fatalf("expected both samples to survive, got %v", day)
	}
	if got.Version != 3 {
		t.Errorf("expected version 3, got %d", got.Version)
	}
}

func TestMemoryStore_UpdateStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newPatient(t, s, "a@example.com")

	if err := s.Update(ctx, p.ID, &Patch{ExpectVersion: 1, Averages: map[string]float64{"2024-01-01": 70}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := s.Update(ctx, p.ID, &Patch{ExpectVersion: 1, Averages: map[string]float64{"2024-01-01": 80}})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newPatient(t, s, "a@example.com")
	b := newPatient(t, s, "b@example.com")
	newPatient(t, s, "c@example.com")

	s.Update(ctx, a.ID, &Patch{Schedule: &ScheduleRequest{Date: "2030-01-01", Time: "10:00"}})
	s.Update(ctx, b.ID, &Patch{Schedule: &ScheduleRequest{Date: "2030-01-01", Time: "10:00", Approved: true}})

	pending := true
	items, total, err := s.Query(ctx, Filter{PendingSchedule: &pending}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("expected only the pending patient, got total=%d", total)
	}

	notPending := false
	_, total, _ = s.Query(ctx, Filter{PendingSchedule: &notPending}, 10, 0)
	if total != 2 {
		t.Errorf("expected 2 non-pending patients, got %d", total)
	}

	items, total, _ = s.Query(ctx, Filter{Email: "B@example.com"}, 10, 0)
	if total != 1 || items[0].ID != b.ID {
		t.Errorf("expected email filter to match b, got total=%d", total)
	}
}

func TestMemoryStore_QueryPagination(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		newPatient(t, s, fmt.Sprintf("p%d@example.com", i))
	}
	items, total, err := s.Query(context.Background(), Filter{}, 2, 4)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 5 || len(items) != 1 {
		t.Errorf("expected total 5 and 1 item, got %d and %d", total, len(items))
	}
	items, _, _ = s.Query(context.Background(), Filter{}, 2, 10)
	if len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}
}

func TestMutate_ConcurrentWritersLoseNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newPatient(t, s, "a@example.com")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("09:%02d:00", i)
			_, err := Mutate(ctx, s, p.ID, 100, func(cur *Patient) (*Patch, error) {
				day := DaySamples{key: {Value: 60 + i}}
				for k, v := range cur.BpmHistory["2024-01-01"] {
					day[k] = v
				}
				avg, _ := day.Mean()
				return &Patch{
					Samples:  BpmHistory{"2024-01-01": {key: {Value: 60 + i}}},
					Averages: map[string]float64{"2024-01-01": avg},
				}, nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}

	got, _ := s.Get(ctx, p.ID)
	day := got.BpmHistory["2024-01-01"]
	if len(day) != writers {
		t.Fatalf("expected %d samples, got %d", writers, len(day))
	}
	mean, _ := day.Mean()
	if got.BpmAverages["2024-01-01"] != mean {
		t.Errorf("persisted average %v does not match samples %v", got.BpmAverages["2024-01-01"], mean)
	}
}

type conflictStore struct {
	Store
	conflicts int
	updates   int
}

func (c *conflictStore) Update(ctx context.Context, id uuid.UUID, patch *Patch) error {
	c.updates++
	if c.conflicts > 0 {
		c.conflicts--
		return ErrVersionConflict
	}
	return c.Store.Update(ctx, id, patch)
}

// slowStore widens the window between read and write.
type slowStore struct {
	Store
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, id)
}

func TestMutate_DefaultAttemptsUnderLatency(t *testing.T) {
	base := NewMemoryStore()
	ctx := context.Background()
	p := newPatient(t, base, "a@example.com")
	s := &slowStore{Store: base, delay: 2 * time.Millisecond}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("10:%02d:00", i)
			_, err := Mutate(ctx, s, p.ID, 0, func(cur *Patient) (*Patch, error) {
				return &Patch{Samples: BpmHistory{"2024-01-01": {key: {Value: 60 + i}}}}, nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}

	got, _ := base.Get(ctx, p.ID)
	if n := len(got.BpmHistory["2024-01-01"]); n != writers {
		t.Errorf("expected %d samples, got %d", writers, n)
	}
	if got.Version != 1+writers {
		t.Errorf("expected version %d, got %d", 1+writers, got.Version)
	}
}

func TestMutateBackoff(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := mutateBackoff(attempt)
		if d <= 0 || d > mutateBackoffMax {
			t.Errorf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}

func TestMutate_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	p := newPatient(t, base, "a@example.com")

	s := &conflictStore{Store: base, conflicts: 2}
	calls := 0
	got, err := Mutate(ctx, s, p.ID, 3, func(cur *Patient) (*Patch, error) {
		calls++
		return &Patch{Averages: map[string]float64{"2024-01-01": 70}}, nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected fn to run 3 times, ran %d", calls)
	}
	if got.Version != 2 || got.BpmAverages["2024-01-01"] != 70 {
		t.Errorf("unexpected post-image: version=%d averages=%v", got.Version, got.BpmAverages)
	}

	s = &conflictStore{Store: base, conflicts: 10}
	_, err = Mutate(ctx, s, p.ID, 3, func(cur *Patient) (*Patch, error) {
		return &Patch{Averages: map[string]float64{"2024-01-01": 80}}, nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict after exhausting attempts, got %v", err)
	}
	if s.updates != 3 {
		t.Errorf("expected 3 update attempts, got %d", s.updates)
	}
}

func TestMutate_NilPatchSkipsWrite(t *testing.T) {
	base := NewMemoryStore()
	p := newPatient(t, base, "a@example.com")
	s := &conflictStore{Store: base}

	got, err := Mutate(context.Background(), s, p.ID, 0, func(cur *Patient) (*Patch, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if s.updates != 0 || got.Version != 1 {
		t.Errorf("expected no write, got %d updates and version %d", s.updates, got.Version)
	}
}

func TestMutate_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	p := newPatient(t, s, "a@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Mutate(ctx, s, p.ID, 0, func(cur *Patient) (*Patch, error) {
		return &Patch{Averages: map[string]float64{"2024-01-01": 70}}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	got, _ := s.Get(context.Background(), p.ID)
	if len(got.BpmAverages) != 0 {
		t.Error("cancelled mutation must not write")
	}
}
