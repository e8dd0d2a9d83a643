// Package samplefeed consumes heart-rate readings published over MQTT by the
// camera capture client and ingests the final reading of each capture.
package samplefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/metrics"
)

// FinalBufferIndex is the last frame of the 150-frame detection buffer. The
// reading published with it is the settled estimate for the capture.
const FinalBufferIndex = 149

const DefaultTopic = "cardio/bpm/+"

// Message outcomes, also used as the metrics label.
const (
	OutcomeIngested = "ingested"
	OutcomeSkipped  = "skipped"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Reading is the payload published by the capture client.
type Reading struct {
	PatientID   string     `json:"patient_id"`
	BPM         *int       `json:"bpm"`
	BufferIndex int        `json:"buffer_index"`
	Final       bool       `json:"final"`
	CapturedAt  *time.Time `json:"captured_at"`
}

func (r Reading) settled() bool {
	return r.Final || r.BufferIndex == FinalBufferIndex
}

type Ingester interface {
	IngestFrom(ctx context.Context, source string, patientID uuid.UUID, date, clock string, value int) (*bpm.IngestResult, error)
}

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	// Location is the clinic timezone samples are keyed in.
	Location *time.Location
	// HandleTimeout bounds the ingest of a single message.
	HandleTimeout time.Duration
}

type Consumer struct {
	ingester Ingester
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	client   mqtt.Client
}

func NewConsumer(ingester Ingester, cfg Config, logger zerolog.Logger) *Consumer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cardio-consult-" + uuid.NewString()[:8]
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 5 * time.Second
	}
	return &Consumer{
		ingester: ingester,
		cfg:      cfg,
		logger:   logger.With().Str("component", "samplefeed").Logger(),
		now:      time.Now,
	}
}

// Start connects to the broker. The subscription is re-established on every
// reconnect.
func (c *Consumer) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage(ctx))
		if token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", c.cfg.Topic).Msg("subscribe failed")
			return
		}
		c.logger.Info().Str("topic", c.cfg.Topic).Msg("subscribed to sample feed")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("sample feed connection lost")
	}

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", c.cfg.Broker, token.Error())
	}
	return nil
}

func (c *Consumer) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.cfg.Topic).WaitTimeout(time.Second)
		c.client.Disconnect(250)
	}
}

func (c *Consumer) onMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
		outcome, err := c.Handle(hctx, msg.Topic(), msg.Payload())
		metrics.RecordFeedMessage(outcome)
		if err != nil {
			evt := c.logger.Warn()
			if outcome == OutcomeFailed {
				evt = c.logger.Error()
			}
			evt.Err(err).Str("topic", msg.Topic()).Str("outcome", outcome).Msg("sample feed message dropped")
		}
	}
}

// Handle processes one published reading. Unsettled readings are skipped.
// The patient id comes from the payload, or from the last topic segment.
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) (string, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return OutcomeInvalid, fmt.Errorf("decode reading: %w", err)
	}
	if !r.settled() {
		return OutcomeSkipped, nil
	}
	if r.BPM == nil {
		return OutcomeInvalid, errors.New("reading has no bpm")
	}

	raw := r.PatientID
	if raw == "" {
		raw = topic[strings.LastIndex(topic, "/")+1:]
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return OutcomeInvalid, fmt.Errorf("invalid patient id %q", raw)
	}

	at := c.now()
	if r.CapturedAt != nil && !r.CapturedAt.IsZero() {
		at = *r.CapturedAt
	}
	at = at.In(c.cfg.Location)

	res, err := c.ingester.IngestFrom(ctx, bpm.SourceFeed, id, at.Format(patient.DateLayout), at.Format(patient.TimeLayout), *r.BPM)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("ingest reading for %s: %w", id, err)
	}
	c.logger.Debug().
		Str("patient_id", id.String()).
		Str("date", res.Sample.Date).
		Str("time", res.Sample.Time).
		Int("bpm", res.Sample.Value).
		Msg("feed sample ingested")
	return OutcomeIngested, nil
}
