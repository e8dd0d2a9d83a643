package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/patient"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func approvedPatient() *patient.Patient {
	return &patient.Patient{
		ID:      uuid.New(),
		Email:   "jane@example.com",
		Profile: patient.Profile{FirstName: "Jane", LastName: "Doe"},
		Schedule: &patient.ScheduleRequest{
			Date: "2024-03-07", Time: "10:00", Message: "Dizziness", Approved: true,
		},
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	subject, body, err := e.Render(TemplateCheckupApproved, map[string]string{
		"patient_name": "Jane Doe", "date": "2024-03-07", "time": "10:00", "message": "Dizziness",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Your checkup on 2024-03-07 is confirmed" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "Dear Jane Doe") || !strings.Contains(body, "at 10:00") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestTemplateEngine_UnknownAndPartial(t *testing.T) {
	e := NewTemplateEngine()
	if _, _, err := e.Render("nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}

	e.RegisterTemplate(Template{ID: "custom", Subject: "Hi {{name}}", Body: "{{missing}}"})
	subject, body, _ := e.Render("custom", map[string]string{"name": "Jane"})
	if subject != "Hi Jane" || body != "{{missing}}" {
		t.Errorf("unexpected render: %q / %q", subject, body)
	}
}

func TestCheckupNotifier_SendsRenderedMessage(t *testing.T) {
	sender := &recordingSender{}
	n := NewCheckupNotifier(sender, NewTemplateEngine(), zerolog.Nop())
	p := approvedPatient()

	if err := n.CheckupApproved(context.Background(), p); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.msgs))
	}
	msg := sender.msgs[0]
	if msg.Recipient != "jane@example.com" || msg.PatientID != p.ID.String() || msg.TemplateID != TemplateCheckupApproved {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !strings.Contains(msg.Body, "Jane Doe") {
		t.Errorf("expected the patient name in the body, got %q", msg.Body)
	}
}

func TestCheckupNotifier_FallsBackToEmail(t *testing.T) {
	sender := &recordingSender{}
	n := NewCheckupNotifier(sender, NewTemplateEngine(), zerolog.Nop())
	p := approvedPatient()
	p.Profile = patient.Profile{}

	n.CheckupApproved(context.Background(), p)
	if !strings.Contains(sender.msgs[0].Body, "Dear jane@example.com") {
		t.Errorf("expected the email as display name, got %q", sender.msgs[0].Body)
	}
}

func TestCheckupNotifier_Errors(t *testing.T) {
	sender := &recordingSender{err: errors.New("unreachable")}
	n := NewCheckupNotifier(sender, NewTemplateEngine(), zerolog.Nop())

	if err := n.CheckupApproved(context.Background(), approvedPatient()); err == nil {
		t.Error("expected sender error to propagate")
	}
	p := approvedPatient()
	p.Schedule = nil
	if err := n.CheckupApproved(context.Background(), p); err == nil {
		t.Error("expected error without a schedule")
	}
}

func TestWebhookSender_Posts(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second, 0)
	msg := &Message{ID: "n-1", Subject: "hello", Recipient: "jane@example.com"}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.ID != "n-1" || got.Subject != "hello" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestWebhookSender_SignsBody(t *testing.T) {
	var body []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second, 0, WithSigningSecret("s3cret"))
	if err := s.Send(context.Background(), &Message{ID: "n-5", Subject: "signed"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected a sha256 signature header, got %q", sig)
	}
	if !VerifySignature(body, "s3cret", sig) {
		t.Error("signature does not match the body")
	}
	if VerifySignature(body, "other", sig) {
		t.Error("signature verified under the wrong secret")
	}
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second, 3)
	if err := s.Send(context.Background(), &Message{ID: "n-2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestWebhookSender_ClientErrorFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, time.Second, 3)
	if err := s.Send(context.Background(), &Message{ID: "n-3"}); err == nil {
		t.Error("expected error for 400")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected no retries on 4xx, got %d calls", n)
	}
}

func TestLogSender(t *testing.T) {
	var buf strings.Builder
	s := NewLogSender(zerolog.New(&buf))
	if err := s.Send(context.Background(), &Message{ID: "n-4", Subject: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"notification_id":"n-4"`) {
		t.Errorf("expected a log line, got %q", buf.String())
	}
}
