package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation  = "23505"
	patientsPKey     = "patients_pkey"
	patientsEmailIdx = "idx_patients_email"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by the patients table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const patientCols = `id, email, role, profile, bpm_history, bpm_averages, schedule, version, created_at, updated_at`

func (s *pgStore) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Email = NormalizeEmail(p.Email)
	profile, err := json.Marshal(p.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	schedule, err := encodeSchedule(p.Schedule)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO patients (id, email, role, profile, bpm_history, bpm_averages, schedule, version)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, '{}'::jsonb, $5, 1)
		RETURNING version, created_at, updated_at`,
		p.ID, p.Email, p.Role, string(profile), schedule,
	).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return uniqueError(pgErr)
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	if p.BpmHistory == nil {
		p.BpmHistory = BpmHistory{}
	}
	if p.BpmAverages == nil {
		p.BpmAverages = map[string]float64{}
	}
	return nil
}

// uniqueError tells an id collision apart from an email collision.
func uniqueError(pgErr *pgconn.PgError) error {
	switch pgErr.ConstraintName {
	case patientsPKey:
		return ErrAlreadyExists
	case patientsEmailIdx:
		return ErrDuplicateEmail
	default:
		return fmt.Errorf("insert patient: unique constraint %s: %w", pgErr.ConstraintName, pgErr)
	}
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (s *pgStore) Query(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	query := `SELECT ` + patientCols + ` FROM patients` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan patient: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func filterClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Email != "" {
		args = append(args, NormalizeEmail(f.Email))
		conds = append(conds, fmt.Sprintf("email = $%d", len(args)))
	}
	if f.PendingSchedule != nil {
		pending := `(schedule IS NOT NULL AND schedule->>'approved' = 'false')`
		if *f.PendingSchedule {
			conds = append(conds, pending)
		} else {
			conds = append(conds, "NOT "+pending)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Update merges the patch in a single statement. Each patched date is merged
// with jsonb concatenation so samples written by other callers survive.
func (s *pgStore) Update(ctx context.Context, id uuid.UUID, patch *Patch) error {
	args := []interface{}{id}
	sets := []string{"version = version + 1", "updated_at = now()"}

	if len(patch.Samples) > 0 {
		expr := "bpm_history"
		dates := make([]string, 0, len(patch.Samples))
		for d := range patch.Samples {
			dates = append(dates, d)
		}
		sort.Strings(dates)
		for _, d := range dates {
			day, err := json.Marshal(patch.Samples[d])
			if err != nil {
				return fmt.Errorf("encode samples: %w", err)
			}
			args = append(args, d, string(day))
			dn, jn := len(args)-1, len(args)
			expr = fmt.Sprintf(
				"jsonb_set(%s, ARRAY[$%d::text], COALESCE(bpm_history->$%d::text, '{}'::jsonb) || $%d::jsonb, true)",
				expr, dn, dn, jn)
		}
		sets = append(sets, "bpm_history = "+expr)
	}
	if len(patch.Averages) > 0 {
		avgs, err := json.Marshal(patch.Averages)
		if err != nil {
			return fmt.Errorf("encode averages: %w", err)
		}
		args = append(args, string(avgs))
		sets = append(sets, fmt.Sprintf("bpm_averages = bpm_averages || $%d::jsonb", len(args)))
	}
	if patch.Schedule != nil {
		sched, err := encodeSchedule(patch.Schedule)
		if err != nil {
			return err
		}
		args = append(args, sched)
		sets = append(sets, fmt.Sprintf("schedule = $%d::jsonb", len(args)))
	}
	if patch.Profile != nil {
		profile, err := json.Marshal(patch.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		args = append(args, string(profile))
		sets = append(sets, fmt.Sprintf("profile = $%d::jsonb", len(args)))
	}

	query := `UPDATE patients SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if patch.ExpectVersion != 0 {
		args = append(args, patch.ExpectVersion)
		query += fmt.Sprintf(" AND version = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func encodeSchedule(r *ScheduleRequest) (interface{}, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return string(b), nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var profile, history, averages, sched []byte
	err := row.Scan(&p.ID, &p.Email, &p.Role, &profile, &history, &averages, &sched,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &p.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	p.BpmHistory = BpmHistory{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.BpmHistory); err != nil {
			return nil, fmt.Errorf("decode bpm history: %w", err)
		}
	}
	p.BpmAverages = map[string]float64{}
	if len(averages) > 0 {
		if err := json.Unmarshal(averages, &p.BpmAverages); err != nil {
			return nil, fmt.Errorf("decode bpm averages: %w", err)
		}
	}
	if len(sched) > 0 && string(sched) != "null" {
		p.Schedule = &ScheduleRequest{}
		if err := json.Unmarshal(sched, p.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
	}
	return &p, nil
}
