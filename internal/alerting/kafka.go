package alerting

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/vanshika/votetrace/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON, keyed by constituency so one constituency's alerts
// stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, topic: topic}
}

func (s *KafkaSink) Notify(ctx context.Context, alert domain.Alert) error {
	value, err := encode(alert)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(alert.ConstituencyID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "alert-type", Value: []byte(alert.Type)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
