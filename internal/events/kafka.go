package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// KafkaConfig configures the broker connection.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaPublisher sends events synchronously to one topic, keyed by submission id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	tracer   trace.Tracer
	logger   *slog.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher connects a durable sync producer: all in-sync replicas ack, hash partitioning
// on the key.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "listing-diagnostics"
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// ProducerConfig is the sarama configuration NewKafkaPublisher uses.
func ProducerConfig(clientID string) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = clientID
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Return.Successes = true
	c.Producer.Partitioner = sarama.NewHashPartitioner
	c.Producer.Retry.Max = 3
	return c
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = "submission-events"
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		tracer:   noop.NewTracerProvider().Tracer("events"),
		logger:   logger,
	}
}

// WithTracer sets the tracer used for producer spans.
func (p *KafkaPublisher) WithTracer(tracer trace.Tracer) *KafkaPublisher {
	if tracer != nil {
		p.tracer = tracer
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	_, span := p.tracer.Start(ctx, "events.kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", p.topic),
			attribute.String("event.type", string(e.Type)),
		))
	defer span.End()

	payload, err := e.Encode()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to serialize event %s: %w", e.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.Key()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}

	p.logger.Debug("events.kafka.published",
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
		"event_type", e.Type,
		"submission_id", e.SubmissionID,
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
