package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationApplier is satisfied by *Applier.
type LocationApplier interface {
	Apply(ctx context.Context, d models.Driver) error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// Consumer reads driver location updates from Kafka and applies them.
// Invalid messages are counted and skipped; read errors back off up to
// MaxBackoff.
type Consumer struct {
	Reader     MessageReader
	Applier    LocationApplier
	Logger     zerolog.Logger
	Attempts   int
	RetryDelay time.Duration
	MaxBackoff time.Duration
}

func (c *Consumer) String() string { return "location-consumer" }

func (c *Consumer) Serve(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Logger.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	observability.LocationUpdates.WithLabelValues("consumed").Inc()
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		c.Logger.Warn().Err(err).Int64("offset", m.Offset).Msg("undecodable location message")
		return
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	err := applyWithRetry(ctx, c.Applier, d, attempts, delay)
	switch {
	case err == nil:
		observability.LocationUpdates.WithLabelValues("applied").Inc()
	case errors.Is(err, ErrInvalidUpdate):
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		c.Logger.Warn().Err(err).Str("driver_id", d.ID).Msg("invalid location update")
	default:
		observability.LocationUpdates.WithLabelValues("failed").Inc()
		c.Logger.Error().Err(err).Str("driver_id", d.ID).Msg("apply location update failed")
	}
}

// applyWithRetry retries transient failures with doubling delay. Invalid
// updates are never retried.
func applyWithRetry(ctx context.Context, a LocationApplier, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = a.Apply(ctx, d)
		if err == nil || errors.Is(err, ErrInvalidUpdate) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
