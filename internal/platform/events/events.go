// Package events publishes medication safety domain events (recall
// lifecycle, administrations) to a Kafka-compatible broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"

	"github.com/ehr/medsafety/internal/platform/metrics"
)

const (
	TypeRecallInitiated   = "recall.initiated"
	TypeRecallTraced      = "recall.traced"
	TypeRecallResolved    = "recall.resolved"
	TypeMedicationGiven   = "mar.given"
	TypeMedicationBlocked = "mar.safety_blocked"
)

type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	FacilityID string    `json:"facility_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher delivers events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// producer is the slice of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type KafkaPublisher struct {
	client  producer
	topic   string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger, m *metrics.Metrics) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events topic is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "medsafety"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(3),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newKafkaPublisher(client, cfg.Topic, logger, m), nil
}

func newKafkaPublisher(client producer, topic string, logger zerolog.Logger, m *metrics.Metrics) *KafkaPublisher {
	return &KafkaPublisher{
		client:  client,
		topic:   topic,
		logger:  logger.With().Str("component", "event_publisher").Logger(),
		metrics: m,
	}
}

// Publish blocks until the broker acknowledges the record.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	rec, err := p.record(ctx, e)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.metrics.EventPublished(e.Type, "error")
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	p.metrics.EventPublished(e.Type, "ok")
	p.logger.Debug().Str("event_type", e.Type).Str("key", e.Key).Msg("event published")
	return nil
}

func (p *KafkaPublisher) record(ctx context.Context, e Event) (*kgo.Record, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.Key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{rec})
	return rec, nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// headerCarrier adapts record headers to a propagation.TextMapCarrier.
type headerCarrier struct{ rec *kgo.Record }

func (c headerCarrier) Get(key string) string {
	for _, h := range c.rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.rec.Headers {
		if h.Key == key {
			c.rec.Headers[i].Value = []byte(value)
			return
		}
	}
	c.rec.Headers = append(c.rec.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.rec.Headers))
	for _, h := range c.rec.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
