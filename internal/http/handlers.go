package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// ActorHeader carries the authenticated rider or driver id, set by the API
// gateway in front of this service.
const ActorHeader = "X-Actor-ID"

const maxBody = 1 << 20

type errorBody struct {
	Error   apperrors.Kind    `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: apperrors.KindOf(err), Message: err.Error()}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Fields = ae.Fields
	}
	status := apperrors.HTTPStatus(body.Error)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("request failed")
		if body.Error == apperrors.KindInternal {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Validation("malformed request body", map[string]string{"body": err.Error()})
	}
	return nil
}

func actor(r *http.Request) (string, error) {
	id := r.Header.Get(ActorHeader)
	if id == "" {
		return "", apperrors.Validation("missing actor", map[string]string{ActorHeader: "is required"})
	}
	return id, nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := r.Header.Get(ActorHeader); id != "" {
		if req.RiderID != "" && req.RiderID != id {
			s.writeError(w, r, apperrors.Validation("rider mismatch", map[string]string{"rider_id": "must match " + ActorHeader}))
			return
		}
		req.RiderID = id
	}
	ride, err := s.rides.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rideAction func(ctx context.Context, rideID, actorID string) (*models.Ride, error)

type rideAtAction func(ctx context.Context, rideID, actorID string, at models.Coord) (*models.Ride, error)

func (s *Server) actorAction(fn rideAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := actor(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err := fn(r.Context(), mux.Vars(r)["id"], who)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

// actorAtAction also reads an optional {"lat":..,"lon":..} body with the
// position where the action happened.
func (s *Server) actorAtAction(fn rideAtAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := actor(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var at models.Coord
		if err := decode(r, &at); err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err := fn(r.Context(), mux.Vars(r)["id"], who, at)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := ingest.Validate(d); err != nil {
		s.writeError(w, r, apperrors.Validation(err.Error(), nil))
		return
	}
	if s.publisher != nil {
		if err := s.publisher.PublishLocation(r.Context(), d); err != nil {
			s.writeError(w, r, apperrors.Dependency("publish location", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.locations.Apply(r.Context(), d); err != nil {
		if errors.Is(err, ingest.ErrInvalidUpdate) {
			s.writeError(w, r, apperrors.Validation(err.Error(), nil))
			return
		}
		s.writeError(w, r, apperrors.Dependency("apply location", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS keeps the session registered until the client goes away. Clients
// only receive; anything they send is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug().Err(err).Str("user_id", id).Msg("websocket upgrade failed")
		return
	}
	sess := s.ws.Add(id, conn)
	defer func() {
		s.ws.Remove(id, sess)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failing := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
