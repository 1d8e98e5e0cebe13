package dispatch

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the event sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RideEvent is the record published for downstream consumers.
type RideEvent struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
}

// KafkaSink publishes every notification as a ride event keyed by ride id,
// so events for one ride stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink { return &KafkaSink{writer: w} }

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, target string, msg Message) error {
	b, err := json.Marshal(RideEvent{Target: target, Message: msg})
	if err != nil {
		return fmt.Errorf("encode ride event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.RideID), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
