package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
)

type stripeStub struct {
	mu    sync.Mutex
	calls []string
	// responses by "METHOD path"; missing entries answer 404
	responses map[string]stubResponse
}

type stubResponse struct {
	status int
	body   string
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	s.mu.Lock()
	s.calls = append(s.calls, key)
	resp, ok := s.responses[key]
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such route"}}`))
		return
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (s *stripeStub) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newGateway(t *testing.T, stub *stripeStub) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGatewayWithBackend(backend, "sk_test_123")
}

const unexpectedState = `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"This PaymentIntent could not be captured"}}`

func TestCaptureCapturesIntent(t *testing.T) {
	stub := &stripeStub{responses: map[string]stubResponse{
		"POST /v1/payment_intents/pi_1/capture": {http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`},
	}}
	if err := newGateway(t, stub).Capture(context.Background(), "pi_1"); err != nil {
		t.Fatal(err)
	}
	if got := stub.called(); len(got) != 1 || got[0] != "POST /v1/payment_intents/pi_1/capture" {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestCaptureOfCapturedIntentSucceeds(t *testing.T) {
	stub := &stripeStub{responses: map[string]stubResponse{
		"POST /v1/payment_intents/pi_1/capture": {http.StatusBadRequest, unexpectedState},
		"GET /v1/payment_intents/pi_1":          {http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`},
	}}
	if err := newGateway(t, stub).Capture(context.Background(), "pi_1"); err != nil {
		t.Fatalf("a repeated capture must succeed, got %v", err)
	}
}

func TestCaptureFailsWhenIntentNotCapturable(t *testing.T) {
	stub := &stripeStub{responses: map[string]stubResponse{
		"POST /v1/payment_intents/pi_1/capture": {http.StatusBadRequest, unexpectedState},
		"GET /v1/payment_intents/pi_1":          {http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"requires_payment_method"}`},
	}}
	err := newGateway(t, stub).Capture(context.Background(), "pi_1")
	if !isState(err, stripe.ErrorCodePaymentIntentUnexpectedState) {
		t.Fatalf("expected the capture error, got %v", err)
	}
}

func TestReleaseCancelsIntent(t *testing.T) {
	stub := &stripeStub{responses: map[string]stubResponse{
		"POST /v1/payment_intents/pi_2/cancel": {http.StatusOK, `{"id":"pi_2","object":"payment_intent","status":"canceled"}`},
	}}
	if err := newGateway(t, stub).Release(context.Background(), "pi_2"); err != nil {
		t.Fatal(err)
	}
	if got := stub.called(); len(got) != 1 || got[0] != "POST /v1/payment_intents/pi_2/cancel" {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestNoop(t *testing.T) {
	var g Gateway = Noop{}
	if err := g.Capture(context.Background(), "pi_1"); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(context.Background(), "pi_1"); err != nil {
		t.Fatal(err)
	}
}
