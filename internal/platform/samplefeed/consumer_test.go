package samplefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/patient"
)

type ingestCall struct {
	source      string
	id          uuid.UUID
	date, clock string
	value       int
}

type mockIngester struct {
	calls []ingestCall
	err   error
}

func (m *mockIngester) IngestFrom(_ context.Context, source string, id uuid.UUID, date, clock string, value int) (*bpm.IngestResult, error) {
	m.calls = append(m.calls, ingestCall{source, id, date, clock, value})
	if m.err != nil {
		return nil, m.err
	}
	return &bpm.IngestResult{Sample: bpm.Sample{Date: date, Time: clock, Value: value, Band: bpm.Classify(value)}}, nil
}

func newTestConsumer(ing Ingester, loc *time.Location) *Consumer {
	c := NewConsumer(ing, Config{Broker: "tcp://localhost:1883", Location: loc}, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestHandle_IngestsFinalReading(t *testing.T) {
	ing := &mockIngester{}
	c := newTestConsumer(ing, time.UTC)
	id := uuid.New()

	payload := `{"patient_id":"` + id.String() + `","bpm":74,"buffer_index":149,"captured_at":"2024-03-05T09:15:30Z"}`
	outcome, err := c.Handle(context.Background(), "cardio/bpm/cam-1", []byte(payload))
	if err != nil || outcome != OutcomeIngested {
		t.Fatalf("expected ingest, got %s, %v", outcome, err)
	}
	if len(ing.calls) != 1 {
		t.Fatalf("expected 1 ingest, got %d", len(ing.calls))
	}
	call := ing.calls[0]
	if call.source != bpm.SourceFeed || call.id != id || call.date != "2024-03-05" || call.clock != "09:15:30" || call.value != 74 {
		t.Errorf("unexpected ingest: %+v", call)
	}
}

func TestHandle_FinalFlag(t *testing.T) {
	ing := &mockIngester{}
	c := newTestConsumer(ing, time.UTC)

	payload := `{"patient_id":"` + uuid.NewString() + `","bpm":80,"buffer_index":37,"final":true}`
	if outcome, _ := c.Handle(context.Background(), "cardio/bpm/x", []byte(payload)); outcome != OutcomeIngested {
		t.Errorf("expected final flag to ingest, got %s", outcome)
	}
	if ing.calls[0].clock != "12:00:00" {
		t.Errorf("expected the receive time without captured_at, got %s", ing.calls[0].clock)
	}
}

func TestHandle_SkipsIntermediateFrames(t *testing.T) {
	ing := &mockIngester{}
	c := newTestConsumer(ing, time.UTC)

	payload := `{"patient_id":"` + uuid.NewString() + `","bpm":80,"buffer_index":42}`
	outcome, err := c.Handle(context.Background(), "cardio/bpm/x", []byte(payload))
	if err != nil || outcome != OutcomeSkipped {
		t.Errorf("expected skip, got %s, %v", outcome, err)
	}
	if len(ing.calls) != 0 {
		t.Error("expected no ingest")
	}
}

func TestHandle_PatientFromTopic(t *testing.T) {
	ing := &mockIngester{}
	c := newTestConsumer(ing, time.UTC)
	id := uuid.New()

	outcome, err := c.Handle(context.Background(), "cardio/bpm/"+id.String(), []byte(`{"bpm":66,"final":true}`))
	if err != nil || outcome != OutcomeIngested {
		t.Fatalf("expected ingest, got %s, %v", outcome, err)
	}
	if ing.calls[0].id != id {
		t.Errorf("expected patient id from topic, got %s", ing.calls[0].id)
	}
}

func TestHandle_ConvertsToClinicTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*60*60)
	ing := &mockIngester{}
	c := newTestConsumer(ing, loc)

	payload := `{"patient_id":"` + uuid.NewString() + `","bpm":70,"final":true,"captured_at":"2024-03-05T20:30:00Z"}`
	c.Handle(context.Background(), "cardio/bpm/x", []byte(payload))
	if call := ing.calls[0]; call.date != "2024-03-06" || call.clock != "04:30:00" {
		t.Errorf("expected clinic-local keys, got %s %s", call.date, call.clock)
	}
}

func TestHandle_Invalid(t *testing.T) {
	c := newTestConsumer(&mockIngester{}, time.UTC)
	tests := []struct {
		name, topic, payload string
	}{
		{"bad json", "cardio/bpm/x", `{not json`},
		{"no bpm", "cardio/bpm/x", `{"patient_id":"` + uuid.NewString() + `","final":true}`},
		{"bad patient", "cardio/bpm/cam-1", `{"bpm":70,"final":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := c.Handle(context.Background(), tt.topic, []byte(tt.payload))
			if err == nil || outcome != OutcomeInvalid {
				t.Errorf("expected invalid, got %s, %v", outcome, err)
			}
		})
	}
}

func TestHandle_IngestFailure(t *testing.T) {
	c := newTestConsumer(&mockIngester{err: errors.New("store down")}, time.UTC)
	payload := `{"patient_id":"` + uuid.NewString() + `","bpm":70,"final":true}`
	outcome, err := c.Handle(context.Background(), "cardio/bpm/x", []byte(payload))
	if err == nil || outcome != OutcomeFailed {
		t.Errorf("expected failure, got %s, %v", outcome, err)
	}
}

func TestHandle_WithRealAggregator(t *testing.T) {
	store := patient.NewMemoryStore()
	p := &patient.Patient{Email: "cam@example.com", Role: patient.RolePatient}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	agg := bpm.NewAggregator(store, zerolog.Nop())
	c := newTestConsumer(agg, time.UTC)

	for _, payload := range []string{
		`{"bpm":72,"final":true,"captured_at":"2024-03-05T09:00:00Z"}`,
		`{"bpm":88,"final":true,"captured_at":"2024-03-05T09:05:00Z"}`,
	} {
		if _, err := c.Handle(context.Background(), "cardio/bpm/"+p.ID.String(), []byte(payload)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	avg, ok, err := agg.DailyAverage(context.Background(), p.ID, "2024-03-05")
	if err != nil || !ok || avg != 80 {
		t.Errorf("expected daily average 80, got %v %v %v", avg, ok, err)
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(&mockIngester{}, Config{}, zerolog.Nop())
	if c.cfg.Topic != DefaultTopic || c.cfg.Location != time.UTC || c.cfg.ClientID == "" || c.cfg.HandleTimeout != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", c.cfg)
	}
}
