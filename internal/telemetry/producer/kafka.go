package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"devicelog/backend/internal/telemetry/domain"
)

const writeTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go.
// Messages are keyed by device key so one device's batches stay ordered within a partition.
type KafkaProducer struct {
	writer messageWriter
	topic  string
}

// NewKafkaProducer creates a Kafka producer that writes ingest events to topic.
// Returns (nil, nil) when brokers or topic are not configured. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer, topic: topic}, nil
}

// Topic returns the topic events are written to.
func (p *KafkaProducer) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// Emit serializes the event as JSON and writes it to the Kafka topic.
func (p *KafkaProducer) Emit(ctx context.Context, event *domain.BatchIngested) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	msg, err := Message(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Message encodes event as a Kafka message keyed by device key, with the event type as a header.
func Message(event *domain.BatchIngested) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode ingest event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.DeviceKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.EventType)},
		},
	}, nil
}

// Decode parses a message value written by KafkaProducer.
func Decode(value []byte) (*domain.BatchIngested, error) {
	var event domain.BatchIngested
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("decode ingest event: %w", err)
	}
	return &event, nil
}
