// Package lifecycle drives a ride through its states. Every write is a
// compare-and-swap on the ride's status and version; an operation whose
// precondition no longer holds fails with a conflict and changes nothing.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reservation"
	"github.com/example/ride-dispatch/internal/storage"
)

type Controller struct {
	Store      storage.Store
	Index      geo.Index
	Queue      queue.Queue
	Leases     reservation.Leaser
	Dispatcher *matcher.Dispatcher
	Notifier   dispatch.Notifier
	Payments   payments.Gateway
	Logger     zerolog.Logger
	Now        func() time.Time
	NewID      func() string

	// EnqueueAttempts bounds retries of queue writes, and of the cancel
	// that follows a failed first enqueue, before giving up.
	EnqueueAttempts int
	EnqueueDelay    time.Duration
}

var _ matcher.Expirer = (*Controller)(nil)

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Controller) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c *Controller) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := c.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("ride %s not found", rideID)
	}
	if err != nil {
		return nil, apperrors.Dependency("load ride", err)
	}
	return r, nil
}

// conflict records a failed precondition for op.
func conflict(op, format string, args ...any) error {
	observability.TransitionConflicts.WithLabelValues(op).Inc()
	return apperrors.Conflict(format, args...)
}

// commit writes next if the stored ride is still in one of expected at the
// version next was read at.
func (c *Controller) commit(ctx context.Context, op string, next *models.Ride, expected []models.RideStatus, effects ...storage.DriverEffect) error {
	err := c.Store.UpdateRideIfStatus(ctx, next, expected, effects...)
	switch {
	case err == nil:
		observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()
		c.Logger.Info().Str("ride_id", next.ID).Str("op", op).Str("status", string(next.Status)).
			Str("driver_id", next.DriverID).Int("version", next.Version).Msg("ride transition")
		return nil
	case errors.Is(err, storage.ErrConflict):
		return conflict(op, "ride %s changed concurrently", next.ID)
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound("ride %s not found", next.ID)
	default:
		return apperrors.Dependency("store ride", err)
	}
}

func (c *Controller) retry(ctx context.Context, fn func() error) error {
	attempts := c.EnqueueAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := c.EnqueueDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return withRetry(ctx, attempts, delay, fn)
}

func (c *Controller) enqueue(ctx context.Context, job models.MatchJob) error {
	return c.retry(ctx, func() error { return c.Queue.Enqueue(ctx, job) })
}

// cleanup failures are logged only: a leftover job is acked as stale and a
// leftover reservation runs out on its own.
func (c *Controller) cancelJob(ctx context.Context, key string) {
	if err := c.Queue.Cancel(ctx, key); err != nil {
		c.Logger.Warn().Err(err).Str("job", key).Msg("cancel match job failed")
	}
}

func (c *Controller) release(ctx context.Context, driverID, rideID string) {
	if driverID == "" {
		return
	}
	if err := c.Leases.Release(ctx, driverID, rideID); err != nil {
		c.Logger.Warn().Err(err).Str("driver_id", driverID).Str("ride_id", rideID).Msg("release reservation failed")
	}
}

// dispatchNow runs a matching attempt in the caller's request so the
// response already reflects the offer when a driver is free. The queued job
// covers any failure here.
func (c *Controller) dispatchNow(ctx context.Context, job models.MatchJob) {
	if c.Dispatcher == nil {
		return
	}
	res, err := c.Dispatcher.Attempt(ctx, job)
	if err != nil {
		c.Logger.Warn().Err(err).Str("ride_id", job.RideID).Msg("inline dispatch failed, leaving job to the pool")
		return
	}
	if res.Outcome == matcher.OutcomeOfferExpired {
		if err := c.ExpireOffer(ctx, job.RideID, res.DriverID, job.RetryCount); err != nil {
			c.Logger.Debug().Err(err).Str("ride_id", job.RideID).Msg("inline offer expiry skipped")
		}
	}
}

// reindex puts a driver who became available back into the geo index at
// their last known position.
func (c *Controller) reindex(ctx context.Context, vt models.VehicleType, driverID string, at models.Coord) {
	if at.IsZero() {
		drv, err := c.Store.GetDriver(ctx, driverID)
		if err != nil || drv.Loc.IsZero() {
			return
		}
		at = drv.Loc
	}
	if err := c.Index.Upsert(ctx, vt, driverID, at); err != nil {
		c.Logger.Warn().Err(err).Str("driver_id", driverID).Msg("reindex driver failed")
	}
}

func (c *Controller) notify(ctx context.Context, target string, r *models.Ride, t dispatch.MessageType, title, body string, data map[string]string) {
	c.Notifier.Notify(ctx, target, dispatch.Message{
		Type:   t,
		RideID: r.ID,
		Status: r.Status,
		Title:  title,
		Body:   body,
		Data:   data,
		At:     c.now(),
	})
}

func (c *Controller) reload(ctx context.Context, fallback *models.Ride) *models.Ride {
	r, err := c.Store.GetRide(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return r
}
