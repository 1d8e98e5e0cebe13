package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthMux(t *testing.T) {
	healthy := healthMux(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	}, zerolog.Nop())
	for path, want := range map[string]int{"/healthz": http.StatusOK, "/ready": http.StatusOK, "/metrics": http.StatusOK} {
		rec := httptest.NewRecorder()
		healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: got %d, want %d", path, rec.Code, want)
		}
	}

	broken := healthMux(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	}, zerolog.Nop())
	rec := httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when redis is down, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on redis, got %d", rec.Code)
	}
}
