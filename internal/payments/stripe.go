package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway captures or releases payment holds placed when a card ride was
// requested. Creating the hold happens upstream of the engine.
type Gateway interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Release(ctx context.Context, paymentIntentID string) error
}

// StripeGateway is a thin wrapper around stripe-go PaymentIntents.
type StripeGateway struct {
	pi paymentintent.Client
}

func NewStripeGateway(apiKey string) *StripeGateway {
	return NewStripeGatewayWithBackend(stripe.GetBackend(stripe.APIBackend), apiKey)
}

// NewStripeGatewayWithBackend talks to the given backend, e.g. one built
// with stripe.GetBackendWithConfig for a proxy or a local stub.
func NewStripeGatewayWithBackend(b stripe.Backend, apiKey string) *StripeGateway {
	return &StripeGateway{pi: paymentintent.Client{B: b, Key: apiKey}}
}

// Capture finalizes a previously-held PaymentIntent. Already captured
// intents are treated as success so a retried payment confirmation is safe.
func (s *StripeGateway) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.pi.Capture(paymentIntentID, params)
	if isState(err, stripe.ErrorCodePaymentIntentUnexpectedState) {
		pi, gerr := s.pi.Get(paymentIntentID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
		if gerr == nil && pi.Status == stripe.PaymentIntentStatusSucceeded {
			return nil
		}
	}
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeGateway) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.pi.Cancel(paymentIntentID, params)
	return err
}

func isState(err error, code stripe.ErrorCode) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == code
}

// Noop is used when no payment provider is configured; cash rides never
// reach the gateway.
type Noop struct{}

func (Noop) Capture(context.Context, string) error { return nil }
func (Noop) Release(context.Context, string) error { return nil }
