package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// LocationApplier applies a driver location update to the store and geo index.
type LocationApplier interface {
	Apply(ctx context.Context, d models.Driver) error
}

// LocationPublisher hands location updates to the ingest topic instead of
// applying them in the request.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	Rides     *lifecycle.Controller
	Locations LocationApplier
	Publisher LocationPublisher // optional
	WS        *dispatch.WSRegistry
	Checks    map[string]Check
	Logger    zerolog.Logger
}

type Server struct {
	rides     *lifecycle.Controller
	locations LocationApplier
	publisher LocationPublisher
	ws        *dispatch.WSRegistry
	checks    map[string]Check
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	s := &Server{
		rides:     o.Rides,
		locations: o.Locations,
		publisher: o.Publisher,
		ws:        o.WS,
		checks:    o.Checks,
		logger:    o.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients authenticate at the gateway in front of this service
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/confirm", s.actorAction(s.rides.Confirm)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reject", s.actorAction(s.rides.Reject)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.actorAction(s.rides.Arrive)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/pickup", s.actorAtAction(s.rides.ConfirmPickup)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/dropoff", s.actorAtAction(s.rides.ConfirmDropoff)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", s.actorAction(s.rides.ConfirmPayment)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.actorAction(s.rides.CancelByRider)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/driver-cancel", s.actorAction(s.rides.CancelByDriver)).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// HTTPServer wraps the router with the configured timeouts.
func (s *Server) HTTPServer(addr string, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
}
