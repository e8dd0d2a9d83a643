package patient

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("patient not found")
	ErrVersionConflict = errors.New("patient version conflict")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrAlreadyExists   = errors.New("patient already registered")
)

// DefaultMutateAttempts bounds the re-read/re-merge loop of Mutate.
const DefaultMutateAttempts = 8

const (
	mutateBackoffBase = 2 * time.Millisecond
	mutateBackoffMax  = 50 * time.Millisecond
)

// Writers in one process are serialized per patient, so version conflicts
// only come from other instances sharing the store.
var mutateLocks [64]sync.Mutex

func lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &mutateLocks[h.Sum32()%uint32(len(mutateLocks))]
}

// mutateBackoff returns a jittered delay for the given retry.
func mutateBackoff(attempt int) time.Duration {
	d := mutateBackoffBase << uint(attempt)
	if d <= 0 || d > mutateBackoffMax {
		d = mutateBackoffMax
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Email           string
	PendingSchedule *bool
}

// Matches reports whether p satisfies the filter.
func (f Filter) Matches(p *Patient) bool {
	if f.Email != "" && NormalizeEmail(f.Email) != p.Email {
		return false
	}
	if f.PendingSchedule != nil && p.Schedule.Pending() != *f.PendingSchedule {
		return false
	}
	return true
}

// Patch is a partial update. Samples and Averages are merged key by key into
// the stored maps; Schedule and Profile replace the stored value when set.
// A non-zero ExpectVersion makes the update conditional on the stored version.
type Patch struct {
	ExpectVersion int
	Samples       BpmHistory
	Averages      map[string]float64
	Schedule      *ScheduleRequest
	Profile       *Profile
}

// Empty reports whether the patch would change nothing.
func (p *Patch) Empty() bool {
	return p == nil || (len(p.Samples) == 0 && len(p.Averages) == 0 && p.Schedule == nil && p.Profile == nil)
}

// ApplyTo merges the patch into pt and bumps its version.
func (p *Patch) ApplyTo(pt *Patient, now time.Time) {
	if pt.BpmHistory == nil {
		pt.BpmHistory = BpmHistory{}
	}
	for d, samples := range p.Samples {
		day := pt.BpmHistory[d]
		if day == nil {
			day = DaySamples{}
			pt.BpmHistory[d] = day
		}
		for t, r := range samples {
			day[t] = r
		}
	}
	if pt.BpmAverages == nil {
		pt.BpmAverages = map[string]float64{}
	}
	for d, avg := range p.Averages {
		pt.BpmAverages[d] = avg
	}
	if p.Schedule != nil {
		s := *p.Schedule
		pt.Schedule = &s
	}
	if p.Profile != nil {
		pt.Profile = *p.Profile
	}
	pt.Version++
	pt.UpdatedAt = now
}

// Store is the persistent document store addressed by patient id.
type Store interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	Query(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error)
	Update(ctx context.Context, id uuid.UUID, patch *Patch) error
}

// MutateFunc inspects the current record and returns the patch to write.
// Returning a nil patch skips the write.
type MutateFunc func(current *Patient) (*Patch, error)

// Mutate runs a read-merge-write cycle. The patch is written only if the
// record still carries the version that fn observed; on a conflict the record
// is re-read after a short jittered pause and fn runs again, up to attempts
// times. The returned patient is the state after the write.
func Mutate(ctx context.Context, s Store, id uuid.UUID, attempts int, fn MutateFunc) (*Patient, error) {
	if attempts <= 0 {
		attempts = DefaultMutateAttempts
	}
	mu := lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(mutateBackoff(i - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		patch, err := fn(current)
		if err != nil {
			return nil, err
		}
		if patch.Empty() {
			return current, nil
		}
		patch.ExpectVersion = current.Version
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err = s.Update(ctx, id, patch)
		if err == nil {
			patch.ApplyTo(current, time.Now().UTC())
			return current, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
