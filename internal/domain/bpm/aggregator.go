package bpm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/apperror"
	"github.com/cardio/consult/internal/platform/metrics"
)

// Sample sources, used as a metrics label.
const (
	SourceAPI  = "api"
	SourceFeed = "feed"
)

// Sample is a single reading with its band.
type Sample struct {
	Date  string   `json:"date"`
	Time  string   `json:"time"`
	Value int      `json:"value"`
	Band  RiskBand `json:"band"`
}

// DatedAverage is the mean of one day's samples.
type DatedAverage struct {
	Date    string   `json:"date"`
	Average float64  `json:"average"`
	Band    RiskBand `json:"band"`
}

// MonthlyAverage is the unweighted mean of a month's daily averages.
type MonthlyAverage struct {
	Month   string   `json:"month"`
	Average float64  `json:"average"`
	Days    int      `json:"days"`
	Band    RiskBand `json:"band"`
}

// DailySummary is one day's average and its samples in time order.
type DailySummary struct {
	Date    string   `json:"date"`
	Average float64  `json:"average"`
	Band    RiskBand `json:"band"`
	Samples []Sample `json:"samples"`
}

// IngestResult is the state of the sample's day after an ingest.
type IngestResult struct {
	Sample       Sample  `json:"sample"`
	DailyAverage float64 `json:"daily_average"`
}

// RollupCache stores computed rollups per patient. Fields are scoped to the
// record version, so an entry can never outlive the samples it was built from.
type RollupCache interface {
	Get(ctx context.Context, patientID uuid.UUID, field string, dst interface{}) (bool, error)
	Set(ctx context.Context, patientID uuid.UUID, field string, v interface{}) error
	Invalidate(ctx context.Context, patientID uuid.UUID) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCache enables the rollup cache.
func WithCache(c RollupCache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithMutateAttempts bounds the optimistic retry loop of Ingest.
func WithMutateAttempts(n int) Option {
	return func(a *Aggregator) { a.attempts = n }
}

// Aggregator owns the BPM history of every patient: it is the only writer of
// samples and daily averages, and computes the weekly and monthly rollups.
type Aggregator struct {
	store    patient.Store
	cache    RollupCache
	logger   zerolog.Logger
	attempts int
}

func NewAggregator(store patient.Store, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    store,
		logger:   logger.With().Str("component", "bpm").Logger(),
		attempts: patient.DefaultMutateAttempts,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest records a sample and, in the same write, the recomputed average of
// its day. A sample at an existing (date, time) replaces the old one.
func (a *Aggregator) Ingest(ctx context.Context, patientID uuid.UUID, date, clock string, value int) (*IngestResult, error) {
	return a.IngestFrom(ctx, SourceAPI, patientID, date, clock, value)
}

// IngestFrom is Ingest with the sample source recorded in metrics.
func (a *Aggregator) IngestFrom(ctx context.Context, source string, patientID uuid.UUID, date, clock string, value int) (*IngestResult, error) {
	dateKey, err := patient.NormalizeDay(date)
	if err != nil {
		return nil, apperror.Validation("invalid sample date", map[string]string{"date": date})
	}
	timeKey, err := patient.NormalizeClock(clock)
	if err != nil {
		return nil, apperror.Validation("invalid sample time", map[string]string{"time": clock})
	}

	attempt := 0
	updated, err := patient.Mutate(ctx, a.store, patientID, a.attempts, func(cur *patient.Patient) (*patient.Patch, error) {
		if attempt > 0 {
			metrics.RecordStoreConflict("ingest")
		}
		attempt++

		day := patient.DaySamples{}
		for t, r := range cur.BpmHistory[dateKey] {
			day[t] = r
		}
		day[timeKey] = patient.BpmReading{Value: value}
		avg, _ := day.Mean()

		return &patient.Patch{
			Samples:  patient.BpmHistory{dateKey: {timeKey: {Value: value}}},
			Averages: map[string]float64{dateKey: avg},
		}, nil
	})
	if err != nil {
		return nil, patient.MapError("ingest sample", patientID, err)
	}

	a.invalidate(ctx, patientID)

	band := Classify(value)
	metrics.RecordSampleIngested(band.String(), source)
	a.logger.Debug().
		Str("patient_id", patientID.String()).
		Str("date", dateKey).
		Str("time", timeKey).
		Int("bpm", value).
		Str("band", band.String()).
		Int("version", updated.Version).
		Msg("sample ingested")

	return &IngestResult{
		Sample:       Sample{Date: dateKey, Time: timeKey, Value: value, Band: band},
		DailyAverage: updated.BpmAverages[dateKey],
	}, nil
}

// Latest returns the sample with the greatest (date, time), or nil when the
// patient has no samples.
func (a *Aggregator) Latest(ctx context.Context, patientID uuid.UUID) (*Sample, error) {
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	dates := p.BpmHistory.Dates()
	if len(dates) == 0 {
		return nil, nil
	}
	return latestOf(dates[len(dates)-1], p.BpmHistory[dates[len(dates)-1]]), nil
}

// LatestOn returns the last sample of a given day, or nil when it has none.
func (a *Aggregator) LatestOn(ctx context.Context, patientID uuid.UUID, date string) (*Sample, error) {
	dateKey, err := patient.NormalizeDay(date)
	if err != nil {
		return nil, apperror.Validation("invalid date", map[string]string{"date": date})
	}
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	day := p.BpmHistory[dateKey]
	if len(day) == 0 {
		return nil, nil
	}
	return latestOf(dateKey, day), nil
}

func latestOf(dateKey string, day patient.DaySamples) *Sample {
	times := day.Times()
	last := times[len(times)-1]
	v := day[last].Value
	return &Sample{Date: dateKey, Time: last, Value: v, Band: Classify(v)}
}

// DailyAverage returns the mean of a day's samples. ok is false when the day
// has no samples.
func (a *Aggregator) DailyAverage(ctx context.Context, patientID uuid.UUID, date string) (float64, bool, error) {
	summary, err := a.Daily(ctx, patientID, date)
	if err != nil || summary == nil {
		return 0, false, err
	}
	return summary.Average, true, nil
}

// Daily returns the day's average and samples, or nil when it has none.
func (a *Aggregator) Daily(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error) {
	dateKey, err := patient.NormalizeDay(date)
	if err != nil {
		return nil, apperror.Validation("invalid date", map[string]string{"date": date})
	}
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	day := p.BpmHistory[dateKey]
	avg, ok := day.Mean()
	if !ok {
		return nil, nil
	}
	summary := &DailySummary{
		Date:    dateKey,
		Average: avg,
		Band:    ClassifyAverage(avg),
		Samples: make([]Sample, 0, len(day)),
	}
	for _, t := range day.Times() {
		v := day[t].Value
		summary.Samples = append(summary.Samples, Sample{Date: dateKey, Time: t, Value: v, Band: Classify(v)})
	}
	return summary, nil
}

// WeeklyAverages returns the daily averages of the Sunday-start week that
// contains anchor, ascending, skipping days without samples.
func (a *Aggregator) WeeklyAverages(ctx context.Context, patientID uuid.UUID, anchor time.Time) ([]DatedAverage, error) {
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	week := WeekDays(anchor)
	field := fmt.Sprintf("weekly:%s@v%d", week[0], p.Version)

	var out []DatedAverage
	if a.cached(ctx, patientID, field, &out) {
		return out, nil
	}

	out = make([]DatedAverage, 0, len(week))
	for _, d := range week {
		if avg, ok := p.BpmHistory[d].Mean(); ok {
			out = append(out, DatedAverage{Date: d, Average: avg, Band: ClassifyAverage(avg)})
		}
	}
	a.fill(ctx, patientID, field, out)
	return out, nil
}

// MonthlyAverages groups daily averages by calendar month. Each day counts
// once regardless of how many samples it holds.
func (a *Aggregator) MonthlyAverages(ctx context.Context, patientID uuid.UUID) ([]MonthlyAverage, error) {
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	field := fmt.Sprintf("monthly@v%d", p.Version)

	var out []MonthlyAverage
	if a.cached(ctx, patientID, field, &out) {
		return out, nil
	}

	out = []MonthlyAverage{}
	var cur *MonthlyAverage
	var sum float64
	flush := func() {
		if cur != nil {
			cur.Average = sum / float64(cur.Days)
			cur.Band = ClassifyAverage(cur.Average)
			out = append(out, *cur)
		}
	}
	for _, d := range p.BpmHistory.Dates() {
		avg, _ := p.BpmHistory[d].Mean()
		month := MonthKey(d)
		if cur == nil || cur.Month != month {
			flush()
			cur = &MonthlyAverage{Month: month}
			sum = 0
		}
		cur.Days++
		sum += avg
	}
	flush()

	a.fill(ctx, patientID, field, out)
	return out, nil
}

// AvailableDates lists the days that hold samples, newest first.
func (a *Aggregator) AvailableDates(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	dates := p.BpmHistory.Dates()
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Records returns a page of all samples in chronological order and the total
// sample count. A non-positive limit returns everything from offset.
func (a *Aggregator) Records(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Sample, int, error) {
	p, err := a.load(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	all := flatten(p.BpmHistory)
	total := len(all)
	if offset >= total {
		return []Sample{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func flatten(h patient.BpmHistory) []Sample {
	var out []Sample
	for _, d := range h.Dates() {
		day := h[d]
		for _, t := range day.Times() {
			v := day[t].Value
			out = append(out, Sample{Date: d, Time: t, Value: v, Band: Classify(v)})
		}
	}
	return out
}

func (a *Aggregator) load(ctx context.Context, patientID uuid.UUID) (*patient.Patient, error) {
	p, err := a.store.Get(ctx, patientID)
	if err != nil {
		return nil, patient.MapError("load bpm history", patientID, err)
	}
	return p, nil
}

func (a *Aggregator) cached(ctx context.Context, patientID uuid.UUID, field string, dst interface{}) bool {
	if a.cache == nil {
		return false
	}
	hit, err := a.cache.Get(ctx, patientID, field, dst)
	if err != nil {
		a.logger.Warn().Err(err).Str("patient_id", patientID.String()).Str("field", field).Msg("rollup cache read failed")
		return false
	}
	metrics.RecordRollupCache(hit)
	return hit
}

func (a *Aggregator) fill(ctx context.Context, patientID uuid.UUID, field string, v interface{}) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Set(ctx, patientID, field, v); err != nil {
		a.logger.Warn().Err(err).Str("patient_id", patientID.String()).Str("field", field).Msg("rollup cache write failed")
	}
}

func (a *Aggregator) invalidate(ctx context.Context, patientID uuid.UUID) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, patientID); err != nil {
		a.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("rollup cache invalidation failed")
	}
}
