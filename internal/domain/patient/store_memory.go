package patient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Patient
	emails  map[string]uuid.UUID
}

// NewMemoryStore returns a Store that keeps records in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		records: make(map[uuid.UUID]*Patient),
		emails:  make(map[string]uuid.UUID),
	}
}

func (s *memoryStore) Create(ctx context.Context, p *Patient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Email = NormalizeEmail(p.Email)
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[p.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.emails[p.Email]; ok && p.Email != "" {
		return ErrDuplicateEmail
	}
	s.records[p.ID] = p.Clone()
	if p.Email != "" {
		s.emails[p.Email] = p.ID
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memoryStore) Query(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*Patient
	for _, p := range s.records {
		if f.Matches(p) {
			matched = append(matched, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (s *memoryStore) Update(ctx context.Context, id uuid.UUID, patch *Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if patch.ExpectVersion != 0 && patch.ExpectVersion != p.Version {
		return ErrVersionConflict
	}
	patch.ApplyTo(p, time.Now().UTC())
	return nil
}
