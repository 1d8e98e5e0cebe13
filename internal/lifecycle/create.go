package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// CreateRideRequest is what a rider submits to request a ride. Fare and
// payment intent are computed upstream and stored as-is.
type CreateRideRequest struct {
	RiderID         string               `json:"rider_id" validate:"required"`
	VehicleType     models.VehicleType   `json:"vehicle_type" validate:"required,oneof=motorcycle car"`
	ServiceVariant  string               `json:"service_variant" validate:"required"`
	Fare            models.Fare          `json:"fare"`
	Pickup          models.Location      `json:"pickup"`
	Dropoff         models.Location      `json:"dropoff"`
	PaymentMethod   models.PaymentMethod `json:"payment_method" validate:"required,oneof=cash card"`
	PaymentIntentID string               `json:"payment_intent_id,omitempty" validate:"required_if=PaymentMethod card"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid field of req, keyed by its JSON path.
func (req CreateRideRequest) Validate() error {
	fields := map[string]string{}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperrors.Validation("invalid ride request", map[string]string{"request": err.Error()})
		}
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = describe(fe)
		}
	}
	if req.Pickup.Coord.IsZero() {
		fields["pickup.coord"] = "is required"
	}
	if req.Dropoff.Coord.IsZero() {
		fields["dropoff.coord"] = "is required"
	}
	if len(fields) > 0 {
		return apperrors.Validation("invalid ride request", fields)
	}
	return nil
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// CreateRide validates the request, refuses riders who already have an
// active ride or areas with no drivers of the requested type, stores the
// ride as searching and enqueues its first match job. A first matching
// attempt runs inline so the returned ride shows the offer when a driver is
// free right away.
func (c *Controller) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	_, err := c.Store.ActiveRideForRider(ctx, req.RiderID)
	switch {
	case err == nil:
		return nil, apperrors.Conflict("rider %s already has an active ride", req.RiderID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperrors.Dependency("look up active ride", err)
	}

	n, err := c.Dispatcher.Probe(ctx, req.VehicleType, req.Pickup.Coord)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperrors.NoCandidate("no %s drivers near pickup", req.VehicleType)
	}

	now := c.now()
	ride := &models.Ride{
		ID:              c.newID(),
		RiderID:         req.RiderID,
		Status:          models.StatusSearching,
		VehicleType:     req.VehicleType,
		ServiceVariant:  req.ServiceVariant,
		Fare:            req.Fare,
		PlannedPickup:   req.Pickup,
		PlannedDropoff:  req.Dropoff,
		PaymentMethod:   req.PaymentMethod,
		PaymentIntentID: req.PaymentIntentID,
		MatchAttempt: models.MatchAttempt{
			Message: models.MatchMessage{
				Pickup:         req.Pickup,
				Dropoff:        req.Dropoff,
				Fare:           req.Fare,
				VehicleType:    req.VehicleType,
				ServiceVariant: req.ServiceVariant,
			},
			SearchStartedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = c.Store.InsertRide(ctx, ride)
	switch {
	case errors.Is(err, storage.ErrActiveRide):
		return nil, conflict("create", "rider %s already has an active ride", req.RiderID)
	case err != nil:
		return nil, apperrors.Dependency("insert ride", err)
	}
	observability.RideTransitions.WithLabelValues(string(ride.Status)).Inc()
	log := c.Logger.With().Str("ride_id", ride.ID).Str("rider_id", ride.RiderID).Logger()
	log.Info().Str("vehicle_type", string(ride.VehicleType)).Int("candidates", n).Msg("ride created")

	job := models.NewMatchJob(ride, now)
	if err := c.enqueue(ctx, job); err != nil {
		c.abandon(ctx, ride, log)
		return nil, apperrors.Dependency("enqueue match job", err)
	}

	c.dispatchNow(ctx, job)
	return c.reload(ctx, ride), nil
}

// abandon cancels a ride whose first match job could not be queued: without
// a job nobody would ever match it. The write outlives the caller's context.
func (c *Controller) abandon(ctx context.Context, ride *models.Ride, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed := ride.Clone()
	failed.Status = models.StatusCancelled
	failed.StatusReason = models.ReasonDispatchUnavailable
	failed.UpdatedAt = c.now()
	failed.EndedAt = &failed.UpdatedAt
	err := c.retry(ctx, func() error {
		err := c.Store.UpdateRideIfStatus(ctx, failed, []models.RideStatus{models.StatusSearching})
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			// an earlier attempt landed even though it reported an error
			return nil
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("ride left searching without a match job")
		return
	}
	observability.RideTransitions.WithLabelValues(string(failed.Status)).Inc()
	log.Warn().Msg("ride cancelled, match job could not be queued")
}
