package lifecycle

import (
	"context"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	matchingStatuses = []models.RideStatus{models.StatusSearching, models.StatusRequestingDriver}
	assignedStatuses = []models.RideStatus{models.StatusDriverAccepted, models.StatusDriverArrived, models.StatusInProgress}
)

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// loadFor reads the ride and checks that it is in one of expected and, when
// driverID is set, that driverID is the ride's driver.
func (c *Controller) loadFor(ctx context.Context, op, rideID, driverID string, expected ...models.RideStatus) (*models.Ride, error) {
	r, err := c.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !statusIn(r.Status, expected) {
		return nil, conflict(op, "ride %s is %s", r.ID, r.Status)
	}
	if driverID != "" && r.DriverID != driverID {
		return nil, conflict(op, "driver %s is not assigned to ride %s", driverID, r.ID)
	}
	return r, nil
}

func validCoord(op string, at models.Coord) error {
	if at.Lat < -90 || at.Lat > 90 || at.Lon < -180 || at.Lon > 180 {
		return apperrors.Validation("invalid "+op+" location", map[string]string{"coord": "out of range"})
	}
	return nil
}

// Confirm accepts the offer on behalf of the offered driver. Of several
// concurrent confirmations exactly one succeeds.
func (c *Controller) Confirm(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	const op = "confirm"
	if driverID == "" {
		return nil, conflict(op, "no driver given")
	}
	r, err := c.loadFor(ctx, op, rideID, driverID, matchingStatuses...)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if exp := r.MatchAttempt.OfferExpiresAt; exp != nil && now.After(*exp) {
		return nil, conflict(op, "offer for ride %s expired", r.ID)
	}

	next := r.Clone()
	next.Status = models.StatusDriverAccepted
	next.StatusReason = ""
	next.UpdatedAt = now
	err = c.commit(ctx, op, next, matchingStatuses, storage.DriverEffect{
		DriverID:      driverID,
		Availability:  models.DriverEnRouteToPickup,
		ResetCounters: true,
	})
	if err != nil {
		return nil, err
	}

	c.cancelJob(ctx, r.JobKey())
	c.release(ctx, driverID, r.ID)
	if err := c.Index.Remove(ctx, r.VehicleType, driverID); err != nil {
		c.Logger.Warn().Err(err).Str("driver_id", driverID).Msg("remove assigned driver from index failed")
	}
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(r.CreatedAt).Seconds())
	c.notify(ctx, r.RiderID, next, dispatch.MsgDriverAssigned, "Driver on the way",
		"Your driver accepted the ride.", map[string]string{"driver_id": driverID})
	return next, nil
}

// Reject declines the current offer. The driver is never offered this ride
// again and matching resumes with the next attempt.
func (c *Controller) Reject(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return c.withdrawOffer(ctx, "reject", rideID, driverID, -1, false)
}

// ExpireOffer runs when an offer's window passed unanswered. It behaves like
// Reject and also counts a missed request. retryCount pins the attempt the
// timeout belongs to; an offer of a later attempt is left alone.
func (c *Controller) ExpireOffer(ctx context.Context, rideID, driverID string, retryCount int) error {
	_, err := c.withdrawOffer(ctx, "expire", rideID, driverID, retryCount, true)
	return err
}

func (c *Controller) withdrawOffer(ctx context.Context, op, rideID, driverID string, retryCount int, missed bool) (*models.Ride, error) {
	if driverID == "" {
		return nil, conflict(op, "no driver given")
	}
	r, err := c.loadFor(ctx, op, rideID, driverID, models.StatusRequestingDriver)
	if err != nil {
		return nil, err
	}
	if retryCount >= 0 && r.MatchAttempt.RetryCount != retryCount {
		return nil, conflict(op, "offer of ride %s belongs to attempt %d", r.ID, r.MatchAttempt.RetryCount)
	}

	now := c.now()
	next := r.Clone()
	next.DriverID = ""
	next.MatchAttempt.AddAttempted(driverID)
	next.MatchAttempt.Advance(now)
	next.UpdatedAt = now

	successor := models.NewMatchJob(next, now)
	if err := c.enqueue(ctx, successor); err != nil {
		return nil, apperrors.Dependency("enqueue match job", err)
	}
	err = c.commit(ctx, op, next, []models.RideStatus{models.StatusRequestingDriver}, storage.DriverEffect{
		DriverID: driverID,
		Decline:  true,
		Missed:   missed,
	})
	if err != nil {
		return nil, err
	}

	c.cancelJob(ctx, r.JobKey())
	c.release(ctx, driverID, r.ID)
	if missed {
		c.notify(ctx, driverID, next, dispatch.MsgOfferWithdrawn, "Offer expired",
			"The ride request was passed to another driver.", nil)
	}
	c.dispatchNow(ctx, successor)
	return c.reload(ctx, next), nil
}

// Arrive marks the driver as waiting at the pickup point.
func (c *Controller) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	const op = "arrive"
	r, err := c.loadFor(ctx, op, rideID, driverID, models.StatusDriverAccepted)
	if err != nil {
		return nil, err
	}
	next := r.Clone()
	next.Status = models.StatusDriverArrived
	next.UpdatedAt = c.now()
	if err := c.commit(ctx, op, next, []models.RideStatus{models.StatusDriverAccepted},
		storage.DriverEffect{DriverID: driverID, Availability: models.DriverWaitingToPickup}); err != nil {
		return nil, err
	}
	c.notify(ctx, r.RiderID, next, dispatch.MsgDriverArrived, "Driver arrived",
		"Your driver is waiting at "+r.PlannedPickup.Address+".", nil)
	return next, nil
}

// ConfirmPickup starts the trip. at is where the rider was actually picked
// up; the planned pickup is recorded when it is unset.
func (c *Controller) ConfirmPickup(ctx context.Context, rideID, driverID string, at models.Coord) (*models.Ride, error) {
	const op = "pickup"
	if err := validCoord(op, at); err != nil {
		return nil, err
	}
	r, err := c.loadFor(ctx, op, rideID, driverID, models.StatusDriverArrived)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = r.PlannedPickup.Coord
	}
	now := c.now()
	next := r.Clone()
	next.Status = models.StatusInProgress
	next.ActualPickup = &at
	next.StartedAt = &now
	next.UpdatedAt = now
	if err := c.commit(ctx, op, next, []models.RideStatus{models.StatusDriverArrived},
		storage.DriverEffect{DriverID: driverID, Availability: models.DriverEnRouteToDropOff}); err != nil {
		return nil, err
	}
	c.notify(ctx, r.RiderID, next, dispatch.MsgRideStarted, "Trip started",
		"Heading to "+r.PlannedDropoff.Address+".", nil)
	return next, nil
}

// ConfirmDropoff ends the trip and asks the rider to pay.
func (c *Controller) ConfirmDropoff(ctx context.Context, rideID, driverID string, at models.Coord) (*models.Ride, error) {
	const op = "dropoff"
	if err := validCoord(op, at); err != nil {
		return nil, err
	}
	r, err := c.loadFor(ctx, op, rideID, driverID, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = r.PlannedDropoff.Coord
	}
	now := c.now()
	next := r.Clone()
	next.Status = models.StatusPaymentInProgress
	next.ActualDropoff = &at
	next.EndedAt = &now
	next.UpdatedAt = now
	if err := c.commit(ctx, op, next, []models.RideStatus{models.StatusInProgress},
		storage.DriverEffect{DriverID: driverID, Availability: models.DriverWaitingForPayment}); err != nil {
		return nil, err
	}
	c.notify(ctx, r.RiderID, next, dispatch.MsgPaymentRequested, "Trip finished",
		"Please complete your payment.", map[string]string{
			"amount":         strconv.FormatFloat(r.Fare.Amount, 'f', 2, 64),
			"currency":       r.Fare.Currency,
			"payment_method": string(r.PaymentMethod),
		})
	return next, nil
}

// ConfirmPayment completes the ride. Card rides capture their payment
// intent first; a failed capture leaves the ride waiting for payment.
func (c *Controller) ConfirmPayment(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	const op = "payment"
	r, err := c.loadFor(ctx, op, rideID, driverID, models.StatusPaymentInProgress)
	if err != nil {
		return nil, err
	}
	if r.PaymentMethod == models.PaymentCard && r.PaymentIntentID != "" && c.Payments != nil {
		if err := c.Payments.Capture(ctx, r.PaymentIntentID); err != nil {
			return nil, apperrors.Dependency("capture payment", err)
		}
	}
	next := r.Clone()
	next.Status = models.StatusCompleted
	next.UpdatedAt = c.now()
	if err := c.commit(ctx, op, next, []models.RideStatus{models.StatusPaymentInProgress},
		storage.DriverEffect{DriverID: driverID, Availability: models.DriverAvailable}); err != nil {
		return nil, err
	}
	var at models.Coord
	if r.ActualDropoff != nil {
		at = *r.ActualDropoff
	}
	c.reindex(ctx, r.VehicleType, driverID, at)
	c.notify(ctx, r.RiderID, next, dispatch.MsgRideCompleted, "Thanks for riding",
		"Your ride is complete.", nil)
	return next, nil
}

// CancelByRider cancels a ride that has no accepted driver yet. A pending
// offer is withdrawn and the driver's reservation released.
func (c *Controller) CancelByRider(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	const op = "rider_cancel"
	r, err := c.loadFor(ctx, op, rideID, "", matchingStatuses...)
	if err != nil {
		return nil, err
	}
	if riderID == "" || r.RiderID != riderID {
		return nil, conflict(op, "rider %s does not own ride %s", riderID, r.ID)
	}
	now := c.now()
	next := r.Clone()
	next.Status = models.StatusCancelled
	next.StatusReason = models.ReasonRiderCancelled
	next.DriverID = ""
	next.MatchAttempt.ClearOffer()
	next.EndedAt = &now
	next.UpdatedAt = now
	if err := c.commit(ctx, op, next, matchingStatuses); err != nil {
		return nil, err
	}

	c.cancelJob(ctx, r.JobKey())
	if r.DriverID != "" {
		c.release(ctx, r.DriverID, r.ID)
		c.notify(ctx, r.DriverID, next, dispatch.MsgOfferWithdrawn, "Ride cancelled",
			"The rider cancelled this request.", nil)
	}
	c.releasePayment(ctx, r)
	return next, nil
}

// CancelByDriver drops an accepted ride. The ride goes back to matching
// with the driver excluded; if nobody else can take it the exhaustion
// policy cancels it.
func (c *Controller) CancelByDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	const op = "driver_cancel"
	if driverID == "" {
		return nil, conflict(op, "no driver given")
	}
	r, err := c.loadFor(ctx, op, rideID, driverID, assignedStatuses...)
	if err != nil {
		return nil, err
	}
	now := c.now()
	next := r.Clone()
	next.Status = models.StatusRequestingDriver
	next.StatusReason = models.ReasonDriverCancelled
	next.DriverID = ""
	next.ActualPickup = nil
	next.StartedAt = nil
	next.MatchAttempt.AddAttempted(driverID)
	next.MatchAttempt.Advance(now)
	next.UpdatedAt = now

	successor := models.NewMatchJob(next, now)
	if err := c.enqueue(ctx, successor); err != nil {
		return nil, apperrors.Dependency("enqueue match job", err)
	}
	if err := c.commit(ctx, op, next, assignedStatuses, storage.DriverEffect{
		DriverID:     driverID,
		Availability: models.DriverAvailable,
		Decline:      true,
	}); err != nil {
		return nil, err
	}

	c.cancelJob(ctx, r.JobKey())
	c.release(ctx, driverID, r.ID)
	c.reindex(ctx, r.VehicleType, driverID, models.Coord{})
	c.notify(ctx, r.RiderID, next, dispatch.MsgDriverReassigning, "Finding a new driver",
		"Your driver cancelled. We are looking for another one.", nil)
	c.dispatchNow(ctx, successor)
	return c.reload(ctx, next), nil
}

func (c *Controller) releasePayment(ctx context.Context, r *models.Ride) {
	if c.Payments == nil || r.PaymentMethod != models.PaymentCard || r.PaymentIntentID == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Payments.Release(rctx, r.PaymentIntentID); err != nil {
		c.Logger.Warn().Err(err).Str("ride_id", r.ID).Msg("release payment hold failed")
	}
}
