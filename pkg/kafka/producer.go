// Package kafka publishes pipeline events to Kafka with segmentio/kafka-go.
// Events are JSON-encoded and keyed so that all events of one store land on
// the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
)

// Event is one message. Type travels as the event_type header; Value is
// JSON-encoded. A zero Time is stamped at publish.
type Event struct {
	Key   string
	Type  string
	Value any
	Time  time.Time
}

// Message builds the Kafka message for e.
func (e Event) Message(source string) (kafka.Message, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  at.UTC(),
	}
	if e.Type != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "event_type", Value: []byte(e.Type)})
	}
	if source != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "source", Value: []byte(source)})
	}
	return msg, nil
}

// Producer publishes events to one topic.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	source  string
	logger  *slog.Logger
}

// NewProducer creates a Producer for topic. Writes are synchronous and wait
// for all in-sync replicas.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		writer:  w,
		brokers: cfg.Brokers,
		source:  "receipt-pipeline",
		logger:  slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish writes one event and waits for the acknowledgement.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	msg, err := event.Message(p.source)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event", "key", event.Key, "event_type", event.Type, "error", err)
		return fmt.Errorf("publishing %s event: %w", event.Type, err)
	}
	p.logger.Debug("event published", "key", event.Key, "event_type", event.Type, "value_size", len(msg.Value))
	return nil
}

// Ping dials the first reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = &net.AddrError{Err: "no brokers configured"}
	}
	return fmt.Errorf("dialing kafka: %w", lastErr)
}

// Close flushes pending writes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
