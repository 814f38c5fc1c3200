package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the producer surface used by Kafka. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEvent is the value published for each notification.
type KafkaEvent struct {
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Kafka publishes notifications to a topic so downstream consumers can keep an
// execution feed. Messages are keyed by mint when the meta carries one, which
// keeps events for the same token on one partition.
type Kafka struct {
	writer MessageWriter
	clock  func() time.Time
}

// NewKafkaWriter builds a synchronous, hash-balanced writer for brokers/topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka: topic required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cleaned...),
		Topic:        strings.TrimSpace(topic),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: DefaultTimeout,
	}, nil
}

// NewKafka wraps a message writer.
func NewKafka(writer MessageWriter) (*Kafka, error) {
	if writer == nil {
		return nil, errors.New("kafka: writer required")
	}
	return &Kafka{writer: writer, clock: time.Now}, nil
}

// Notify implements Notifier.
func (k *Kafka) Notify(ctx context.Context, message string, meta map[string]any) error {
	now := k.clock().UTC()
	value, err := json.Marshal(KafkaEvent{Message: message, Meta: meta, Timestamp: now})
	if err != nil {
		return fmt.Errorf("kafka: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	msg := kafka.Message{Key: []byte(messageKey(meta)), Value: value, Time: now}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// messageKey extracts the mint from the notification meta. Execution notices
// carry it under intent.mint; other producers may set mint directly.
func messageKey(meta map[string]any) string {
	if mint, ok := meta["mint"].(string); ok {
		return mint
	}
	if intent, ok := meta["intent"].(map[string]any); ok {
		if mint, ok := intent["mint"].(string); ok {
			return mint
		}
	}
	return ""
}
