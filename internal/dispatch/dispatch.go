// Package dispatch fans ride notifications out to riders and drivers over
// every configured channel. Delivery is asynchronous and best effort: a
// failed or dropped notification never affects ride state.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type MessageType string

const (
	MsgRideOffer         MessageType = "ride_offer"
	MsgOfferWithdrawn    MessageType = "offer_withdrawn"
	MsgDriverAssigned    MessageType = "driver_assigned"
	MsgDriverReassigning MessageType = "driver_reassigning"
	MsgDriverArrived     MessageType = "driver_arrived"
	MsgRideStarted       MessageType = "ride_started"
	MsgPaymentRequested  MessageType = "payment_requested"
	MsgRideCompleted     MessageType = "ride_completed"
	MsgRideCancelled     MessageType = "ride_cancelled"
)

// Message is what riders and drivers receive. Data values are strings so the
// same message can travel over push, websocket and Kafka unchanged.
type Message struct {
	Type   MessageType       `json:"type"`
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
	Title  string            `json:"title,omitempty"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
	At     time.Time         `json:"at"`
}

// Notifier is the fire-and-forget entry point used by the matcher and the
// lifecycle controller. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, target string, msg Message)
}

// Sink delivers a message over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, target string, msg Message) error
}

type envelope struct {
	target string
	msg    Message
}

// Fanout buffers notifications and delivers them to every sink from a fixed
// set of workers.
type Fanout struct {
	ch      chan envelope
	sinks   []Sink
	workers int
	timeout time.Duration
	logger  zerolog.Logger
}

func NewFanout(logger zerolog.Logger, buffer, workers int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &Fanout{
		ch:      make(chan envelope, buffer),
		sinks:   sinks,
		workers: workers,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (f *Fanout) Notify(_ context.Context, target string, msg Message) {
	if target == "" {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	select {
	case f.ch <- envelope{target: target, msg: msg}:
	default:
		observability.NotificationsDropped.Inc()
		f.logger.Warn().Str("target", target).Str("ride_id", msg.RideID).Str("type", string(msg.Type)).Msg("notification buffer full, dropping")
	}
}

// Serve runs the delivery workers until ctx is cancelled.
func (f *Fanout) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-f.ch:
					f.deliver(ctx, env)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (f *Fanout) String() string { return "notification-fanout" }

func (f *Fanout) deliver(ctx context.Context, env envelope) {
	for _, s := range f.sinks {
		dctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Deliver(dctx, env.target, env.msg)
		cancel()
		switch {
		case err == nil:
			observability.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
		case errors.Is(err, ErrNoSession):
			observability.NotificationsTotal.WithLabelValues(s.Name(), "skipped").Inc()
		default:
			observability.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			f.logger.Warn().Err(err).Str("sink", s.Name()).Str("target", env.target).Str("ride_id", env.msg.RideID).Msg("notification delivery failed")
		}
	}
}
