package dispatch

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/api/option"

	"github.com/example/ride-dispatch/internal/observability"
)

// MessagingSender is the part of the FCM client the push sink uses.
type MessagingSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewFirebaseMessaging initialises the Firebase Admin SDK messaging client.
func NewFirebaseMessaging(ctx context.Context, projectID, credentialsFile string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return client, nil
}

// PushSink sends FCM notifications to the per-user topic "user_<id>". Calls
// go through a circuit breaker so an FCM outage does not tie up the fan-out
// workers.
type PushSink struct {
	sender MessagingSender
	cb     *gobreaker.CircuitBreaker[string]
	logger zerolog.Logger
}

func NewPushSink(sender MessagingSender, logger zerolog.Logger) *PushSink {
	const name = "fcm"
	observability.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &PushSink{sender: sender, cb: cb, logger: logger}
}

func (p *PushSink) Name() string { return "fcm" }

func Topic(userID string) string { return "user_" + userID }

func (p *PushSink) Deliver(ctx context.Context, userID string, msg Message) error {
	m := toFCM(userID, msg)
	_, err := p.cb.Execute(func() (string, error) {
		return p.sender.Send(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("fcm send to %s: %w", m.Topic, err)
	}
	return nil
}

func toFCM(userID string, msg Message) *messaging.Message {
	data := make(map[string]string, len(msg.Data)+3)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["type"] = string(msg.Type)
	data["ride_id"] = msg.RideID
	data["status"] = string(msg.Status)

	m := &messaging.Message{
		Data:  data,
		Topic: Topic(userID),
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if msg.Title != "" || msg.Body != "" {
		m.Notification = &messaging.Notification{Title: msg.Title, Body: msg.Body}
	}
	return m
}
