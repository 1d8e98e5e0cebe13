package matcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reservation"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	TopN             int
	RadiusKm         float64
	OfferTimeout     time.Duration
	ReservationGrace time.Duration
	RetryDelay       time.Duration
	SearchTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopN:             10,
		RadiusKm:         10,
		OfferTimeout:     20 * time.Second,
		ReservationGrace: 5 * time.Second,
		RetryDelay:       5 * time.Second,
		SearchTimeout:    2 * time.Minute,
	}
}

// ETAEstimator annotates offers with the driver's time to pickup.
type ETAEstimator interface {
	Estimate(ctx context.Context, from, to models.Coord) time.Duration
}

type Outcome string

const (
	OutcomeStale        Outcome = "stale"
	OutcomeOffered      Outcome = "offered"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeOfferPending Outcome = "offer_pending"
	// OutcomeOfferExpired asks the caller to run the offer timeout path.
	OutcomeOfferExpired Outcome = "offer_expired"
)

type Result struct {
	Outcome  Outcome
	DriverID string
	Ride     *models.Ride
}

// Dispatcher runs one matching attempt per MatchJob: it finds the nearest
// eligible driver, reserves them and moves the ride to requesting_driver.
type Dispatcher struct {
	Config
	Store    storage.Store
	Index    geo.Index
	Queue    queue.Queue
	Leases   reservation.Leaser
	Notifier dispatch.Notifier
	ETA      ETAEstimator     // optional
	Payments payments.Gateway // optional, releases holds on exhaustion
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Probe counts candidates of the vehicle type around p, without any
// filtering. Ride creation refuses requests with nobody nearby.
func (d *Dispatcher) Probe(ctx context.Context, vt models.VehicleType, p models.Coord) (int, error) {
	cands, err := d.Index.Nearby(ctx, vt, p, d.RadiusKm, d.TopN)
	if err != nil {
		return 0, apperrors.Dependency("geo nearby", err)
	}
	return len(cands), nil
}

// Attempt processes job. Jobs that no longer match the ride's current
// attempt are acked as stale; they never mutate the ride.
func (d *Dispatcher) Attempt(ctx context.Context, job models.MatchJob) (Result, error) {
	log := d.Logger.With().Str("ride_id", job.RideID).Int("retry", job.RetryCount).Logger()

	ride, err := d.Store.GetRide(ctx, job.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		d.ack(ctx, job.Key)
		return d.result(Result{Outcome: OutcomeStale}), nil
	}
	if err != nil {
		return Result{}, apperrors.Dependency("load ride", err)
	}
	if ride.Status.Terminal() || ride.MatchAttempt.RetryCount != job.RetryCount {
		log.Debug().Str("status", string(ride.Status)).Int("ride_retry", ride.MatchAttempt.RetryCount).Msg("stale match job")
		d.ack(ctx, job.Key)
		return d.result(Result{Outcome: OutcomeStale, Ride: ride}), nil
	}

	switch ride.Status {
	case models.StatusSearching:
	case models.StatusRequestingDriver:
		if ride.DriverID != "" {
			exp := ride.MatchAttempt.OfferExpiresAt
			if exp != nil && d.now().Before(*exp) {
				d.reschedule(ctx, job.Key, *exp)
				return d.result(Result{Outcome: OutcomeOfferPending, DriverID: ride.DriverID, Ride: ride}), nil
			}
			return d.result(Result{Outcome: OutcomeOfferExpired, DriverID: ride.DriverID, Ride: ride}), nil
		}
	default:
		// already assigned
		d.ack(ctx, job.Key)
		return d.result(Result{Outcome: OutcomeStale, Ride: ride}), nil
	}

	return d.search(ctx, ride, job.Key)
}

func (d *Dispatcher) search(ctx context.Context, ride *models.Ride, jobKey string) (Result, error) {
	attempt := ride.MatchAttempt
	// widen the query by the excluded drivers so exclusion does not shrink
	// the candidate window
	cands, err := d.Index.Nearby(ctx, ride.VehicleType, ride.PlannedPickup.Coord, d.RadiusKm, d.TopN+len(attempt.AttemptedDrivers))
	if err != nil {
		return Result{}, apperrors.Dependency("geo nearby", err)
	}

	eligible := 0
	for _, c := range cands {
		if attempt.HasAttempted(c.DriverID) {
			continue
		}
		if eligible == d.TopN {
			break
		}
		eligible++

		free, err := d.driverFree(ctx, c.DriverID)
		if err != nil {
			return Result{}, err
		}
		if !free {
			continue
		}
		ok, err := d.Leases.Acquire(ctx, c.DriverID, ride.ID, d.OfferTimeout+d.ReservationGrace)
		if err != nil {
			return Result{}, apperrors.Dependency("reserve driver", err)
		}
		if !ok {
			continue
		}
		return d.offer(ctx, ride, c, jobKey)
	}
	return d.exhaustOrDefer(ctx, ride, eligible, jobKey)
}

// driverFree reports whether the stored availability allows an offer.
// Drivers the store has never seen are indexed, hence available.
func (d *Dispatcher) driverFree(ctx context.Context, driverID string) (bool, error) {
	drv, err := d.Store.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, apperrors.Dependency("load driver", err)
	}
	return drv.Availability == models.DriverAvailable, nil
}

func (d *Dispatcher) offer(ctx context.Context, ride *models.Ride, c geo.Candidate, jobKey string) (Result, error) {
	now := d.now()
	expires := now.Add(d.OfferTimeout)

	next := ride.Clone()
	next.Status = models.StatusRequestingDriver
	next.DriverID = c.DriverID
	next.MatchAttempt.OfferedAt = &now
	next.MatchAttempt.OfferExpiresAt = &expires
	next.UpdatedAt = now

	err := d.Store.UpdateRideIfStatus(ctx, next, []models.RideStatus{ride.Status})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		d.releaseUnlessOffered(ctx, ride.ID, c.DriverID)
		observability.TransitionConflicts.WithLabelValues("offer").Inc()
		return d.result(Result{Outcome: OutcomeStale}), nil
	}
	if err != nil {
		d.release(ctx, c.DriverID, ride.ID)
		return Result{}, apperrors.Dependency("store offer", err)
	}

	d.reschedule(ctx, jobKey, expires)
	observability.OffersTotal.Inc()
	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()

	var etaToPickup time.Duration
	if d.ETA != nil {
		etaToPickup = d.ETA.Estimate(ctx, c.Loc, ride.PlannedPickup.Coord)
	}
	d.Notifier.Notify(ctx, c.DriverID, offerMessage(next, c, etaToPickup))
	d.Logger.Info().Str("ride_id", ride.ID).Str("driver_id", c.DriverID).
		Float64("distance_km", c.DistanceKm).Int("retry", next.MatchAttempt.RetryCount).Msg("offer sent")
	return d.result(Result{Outcome: OutcomeOffered, DriverID: c.DriverID, Ride: next}), nil
}

// releaseUnlessOffered drops our reservation after a lost race, unless the
// winning write offered the same driver to this ride.
func (d *Dispatcher) releaseUnlessOffered(ctx context.Context, rideID, driverID string) {
	if cur, err := d.Store.GetRide(ctx, rideID); err == nil &&
		cur.Status == models.StatusRequestingDriver && cur.DriverID == driverID {
		return
	}
	d.release(ctx, driverID, rideID)
}

// release failures are logged only: the lease runs out on its own.
func (d *Dispatcher) release(ctx context.Context, driverID, rideID string) {
	if err := d.Leases.Release(ctx, driverID, rideID); err != nil {
		d.Logger.Warn().Err(err).Str("driver_id", driverID).Str("ride_id", rideID).Msg("release reservation failed")
	}
}

// exhaustOrDefer cancels the ride when every candidate in range has already
// been tried, or the search has run past SearchTimeout. Otherwise the job
// is retried after RetryDelay.
func (d *Dispatcher) exhaustOrDefer(ctx context.Context, ride *models.Ride, eligible int, jobKey string) (Result, error) {
	now := d.now()
	attempt := ride.MatchAttempt
	offeredBefore := attempt.RetryCount > 0 || len(attempt.AttemptedDrivers) > 0
	timedOut := !attempt.SearchStartedAt.IsZero() && now.Sub(attempt.SearchStartedAt) >= d.SearchTimeout

	if !(eligible == 0 && offeredBefore) && !timedOut {
		d.reschedule(ctx, jobKey, now.Add(d.RetryDelay))
		return d.result(Result{Outcome: OutcomeDeferred, Ride: ride}), nil
	}

	next := ride.Clone()
	next.Status = models.StatusCancelled
	next.StatusReason = models.ReasonNoDriver
	next.DriverID = ""
	next.MatchAttempt.ClearOffer()
	next.UpdatedAt = now
	next.EndedAt = &now
	err := d.Store.UpdateRideIfStatus(ctx, next, []models.RideStatus{ride.Status})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		observability.TransitionConflicts.WithLabelValues("exhaust").Inc()
		return d.result(Result{Outcome: OutcomeStale}), nil
	}
	if err != nil {
		return Result{}, apperrors.Dependency("cancel exhausted ride", err)
	}
	d.ack(ctx, jobKey)
	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()
	if d.Payments != nil && next.PaymentMethod == models.PaymentCard && next.PaymentIntentID != "" {
		if err := d.Payments.Release(ctx, next.PaymentIntentID); err != nil {
			d.Logger.Warn().Err(err).Str("ride_id", ride.ID).Msg("release payment hold failed")
		}
	}
	d.Notifier.Notify(ctx, ride.RiderID, dispatch.Message{
		Type:   dispatch.MsgRideCancelled,
		RideID: ride.ID,
		Status: next.Status,
		Title:  "No driver available",
		Body:   "We could not find a driver for your ride.",
		Data:   map[string]string{"reason": next.StatusReason},
	})
	d.Logger.Info().Str("ride_id", ride.ID).Bool("timed_out", timedOut).
		Int("attempted", len(attempt.AttemptedDrivers)).Msg("no driver available, ride cancelled")
	return d.result(Result{Outcome: OutcomeExhausted, Ride: next}), nil
}

func (d *Dispatcher) ack(ctx context.Context, key string) {
	if err := d.Queue.Ack(ctx, key); err != nil {
		d.Logger.Warn().Err(err).Str("job", key).Msg("ack match job failed")
	}
}

// reschedule failures are logged only: the lease on the job brings it back.
func (d *Dispatcher) reschedule(ctx context.Context, key string, at time.Time) {
	if err := d.Queue.Reschedule(ctx, key, at); err != nil && !errors.Is(err, queue.ErrNotFound) {
		d.Logger.Warn().Err(err).Str("job", key).Msg("reschedule match job failed")
	}
}

func (d *Dispatcher) result(r Result) Result {
	observability.MatchAttempts.WithLabelValues(string(r.Outcome)).Inc()
	return r
}

func offerMessage(r *models.Ride, c geo.Candidate, etaToPickup time.Duration) dispatch.Message {
	data := map[string]string{
		"pickup_address":  r.PlannedPickup.Address,
		"pickup_lat":      strconv.FormatFloat(r.PlannedPickup.Coord.Lat, 'f', 6, 64),
		"pickup_lon":      strconv.FormatFloat(r.PlannedPickup.Coord.Lon, 'f', 6, 64),
		"dropoff_address": r.PlannedDropoff.Address,
		"fare":            strconv.FormatFloat(r.Fare.Amount, 'f', 2, 64),
		"driver_earning":  strconv.FormatFloat(r.Fare.DriverEarning, 'f', 2, 64),
		"currency":        r.Fare.Currency,
		"distance_km":     strconv.FormatFloat(c.DistanceKm, 'f', 2, 64),
		"retry":           strconv.Itoa(r.MatchAttempt.RetryCount),
	}
	if etaToPickup > 0 {
		data["eta_seconds"] = strconv.Itoa(int(etaToPickup.Seconds()))
	}
	if exp := r.MatchAttempt.OfferExpiresAt; exp != nil {
		data["expires_at"] = exp.Format(time.RFC3339)
	}
	return dispatch.Message{
		Type:   dispatch.MsgRideOffer,
		RideID: r.ID,
		Status: r.Status,
		Title:  "New ride request",
		Body:   fmt.Sprintf("Pickup at %s, %.1f km away", r.PlannedPickup.Address, c.DistanceKm),
		Data:   data,
	}
}
