// Package notification delivers checkup notices to patients: templates are
// rendered with {{key}} placeholders and handed to a Sender, which posts them
// to a webhook or writes them to the log.
package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/patient"
)

const TemplateCheckupApproved = "checkup-approved"

// Message is a single outbound notice.
type Message struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	PatientID  string    `json:"patient_id"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID      string
	Subject string
	Body    string
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateCheckupApproved,
		Subject: "Your checkup on {{date}} is confirmed",
		Body:    "Dear {{patient_name}}, your doctor approved your checkup request for {{date}} at {{time}}. Reason given: {{message}}",
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// sender has a secret.
const SignatureHeader = "X-Webhook-Signature"

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// WebhookSender posts messages as JSON to a fixed URL.
type WebhookSender struct {
	client *resty.Client
	url    string
	secret string
}

type WebhookOption func(*WebhookSender)

// WithSigningSecret signs every body so the receiver can verify its origin.
func WithSigningSecret(secret string) WebhookOption {
	return func(s *WebhookSender) { s.secret = secret }
}

func NewWebhookSender(url string, timeout time.Duration, retries int, opts ...WebhookOption) *WebhookSender {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	s := &WebhookSender{client: client, url: url}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req := s.client.R().
		SetContext(ctx).
		SetHeader("X-Webhook-ID", msg.ID).
		SetHeader("X-Webhook-Timestamp", msg.CreatedAt.UTC().Format(time.RFC3339)).
		SetBody(payload)
	if s.secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+SignPayload(payload, s.secret))
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post notification: webhook returned %d", resp.StatusCode())
	}
	return nil
}

// LogSender writes messages to the log. Used when no webhook is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) error {
	s.logger.Info().
		Str("notification_id", msg.ID).
		Str("template_id", msg.TemplateID).
		Str("patient_id", msg.PatientID).
		Str("recipient", msg.Recipient).
		Str("subject", msg.Subject).
		Msg("notification")
	return nil
}

// ---------------------------------------------------------------------------
// Checkup notifier
// ---------------------------------------------------------------------------

// CheckupNotifier tells a patient their checkup was approved.
type CheckupNotifier struct {
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger
	now       func() time.Time
}

func NewCheckupNotifier(sender Sender, templates *TemplateEngine, logger zerolog.Logger) *CheckupNotifier {
	return &CheckupNotifier{
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
		now:       time.Now,
	}
}

func (n *CheckupNotifier) CheckupApproved(ctx context.Context, p *patient.Patient) error {
	if p.Schedule == nil {
		return fmt.Errorf("patient %s has no checkup request", p.ID)
	}
	subject, body, err := n.templates.Render(TemplateCheckupApproved, map[string]string{
		"patient_name": displayName(p),
		"date":         p.Schedule.Date,
		"time":         p.Schedule.Time,
		"message":      p.Schedule.Message,
	})
	if err != nil {
		return err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		TemplateID: TemplateCheckupApproved,
		PatientID:  p.ID.String(),
		Recipient:  p.Email,
		Subject:    subject,
		Body:       body,
		CreatedAt:  n.now().UTC(),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return err
	}
	n.logger.Debug().Str("patient_id", msg.PatientID).Str("notification_id", msg.ID).Msg("checkup approval sent")
	return nil
}

func displayName(p *patient.Patient) string {
	name := strings.TrimSpace(p.Profile.FirstName + " " + p.Profile.LastName)
	if name == "" {
		return p.Email
	}
	return name
}
