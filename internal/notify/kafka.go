package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shizukutanaka/autosys/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes each message as JSON keyed by rule name, so all
// events of one rule land in one partition in order.
type KafkaChannel struct {
	name   string
	writer messageWriter
}

// NewKafkaChannel creates a synchronous writer. Retries are the
// dispatcher's job, so the writer makes a single attempt.
func NewKafkaChannel(name string, cfg config.KafkaConfig) *KafkaChannel {
	return &KafkaChannel{
		name: name,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (c *KafkaChannel) Name() string { return c.name }

func (c *KafkaChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Rule),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.EventID)},
			{Key: "kind", Value: []byte(msg.Kind)},
			{Key: "severity", Value: []byte(msg.Severity)},
		},
		Time: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
