package models

import (
	"fmt"
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lon float64 `json:"lon" validate:"min=-180,max=180"`
}

// IsZero reports whether the coordinate was left unset.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Location is a coordinate with the human readable address shown to riders and drivers.
type Location struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address" validate:"required"`
}

type VehicleType string

const (
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleCar        VehicleType = "car"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

// Fare is the monetary breakdown computed upstream. The engine stores it as-is.
type Fare struct {
	Amount        float64 `json:"amount" validate:"gt=0"`
	PlatformFee   float64 `json:"platform_fee" validate:"gte=0"`
	DriverEarning float64 `json:"driver_earning" validate:"gte=0"`
	Commission    float64 `json:"commission" validate:"gte=0"`
	Currency      string  `json:"currency" validate:"required"`
}

type RideStatus string

const (
	StatusSearching         RideStatus = "searching"
	StatusRequestingDriver  RideStatus = "requesting_driver"
	StatusDriverAccepted    RideStatus = "driver_accepted"
	StatusDriverArrived     RideStatus = "driver_arrived"
	StatusInProgress        RideStatus = "in_progress"
	StatusPaymentInProgress RideStatus = "payment_in_progress"
	StatusCompleted         RideStatus = "completed"
	StatusCancelled         RideStatus = "cancelled"
)

// ActiveStatuses lists every non-terminal ride status.
var ActiveStatuses = []RideStatus{
	StatusSearching,
	StatusRequestingDriver,
	StatusDriverAccepted,
	StatusDriverArrived,
	StatusInProgress,
	StatusPaymentInProgress,
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const (
	ReasonNoDriver            = "no driver available"
	ReasonDispatchUnavailable = "dispatch unavailable"
	ReasonRiderCancelled      = "cancelled by rider"
	ReasonDriverCancelled     = "cancelled by driver"
)

type DriverAvailability string

const (
	DriverAvailable         DriverAvailability = "available"
	DriverEnRouteToPickup   DriverAvailability = "en_route_to_pickup"
	DriverWaitingToPickup   DriverAvailability = "waiting_to_pickup"
	DriverEnRouteToDropOff  DriverAvailability = "en_route_to_drop_off"
	DriverWaitingForPayment DriverAvailability = "waiting_for_payment"
	DriverOffline           DriverAvailability = "offline"
)

// OnTrip reports whether the availability is owned by a ride rather than
// by the driver app.
func (a DriverAvailability) OnTrip() bool {
	return a != DriverAvailable && a != DriverOffline && a != ""
}

// Driver is both the stored driver record and the location update message
// published by driver apps.
type Driver struct {
	ID             string             `json:"id"`
	VehicleType    VehicleType        `json:"vehicle_type"`
	Availability   DriverAvailability `json:"availability"`
	DeclineCount   int                `json:"decline_count"`
	MissedRequests int                `json:"missed_requests"`
	Rating         float64            `json:"rating"` // 0..5
	Loc            Coord              `json:"loc"`
	Updated        time.Time          `json:"updated"`
}

// MatchMessage is the resumable matching payload. It never carries
// attempt-specific data such as offer expiry.
type MatchMessage struct {
	Pickup         Location    `json:"pickup"`
	Dropoff        Location    `json:"dropoff"`
	Fare           Fare        `json:"fare"`
	VehicleType    VehicleType `json:"vehicle_type"`
	ServiceVariant string      `json:"service_variant"`
}

// MatchAttempt tracks matching progress for a ride. AttemptedDrivers only
// grows; RetryCount only increases.
type MatchAttempt struct {
	RetryCount       int          `json:"retry_count"`
	AttemptedDrivers []string     `json:"attempted_drivers"`
	Message          MatchMessage `json:"message_data"`
	SearchStartedAt  time.Time    `json:"search_started_at"`
	OfferedAt        *time.Time   `json:"offered_at,omitempty"`
	OfferExpiresAt   *time.Time   `json:"offer_expires_at,omitempty"`
}

func (m MatchAttempt) HasAttempted(driverID string) bool {
	return slices.Contains(m.AttemptedDrivers, driverID)
}

// AddAttempted records driverID and reports whether it was new.
func (m *MatchAttempt) AddAttempted(driverID string) bool {
	if driverID == "" || m.HasAttempted(driverID) {
		return false
	}
	m.AttemptedDrivers = append(m.AttemptedDrivers, driverID)
	return true
}

// Advance moves to the next attempt: the retry counter is bumped, the offer
// window is cleared and the search time box restarts at now.
func (m *MatchAttempt) Advance(now time.Time) {
	m.RetryCount++
	m.ClearOffer()
	m.SearchStartedAt = now
}

func (m *MatchAttempt) ClearOffer() {
	m.OfferedAt = nil
	m.OfferExpiresAt = nil
}

// Payload returns the matching payload stripped of attempt-specific fields.
func (m MatchAttempt) Payload() MatchMessage { return m.Message }

func (m MatchAttempt) clone() MatchAttempt {
	out := m
	out.AttemptedDrivers = slices.Clone(m.AttemptedDrivers)
	out.OfferedAt = cloneTime(m.OfferedAt)
	out.OfferExpiresAt = cloneTime(m.OfferExpiresAt)
	return out
}

type Ride struct {
	ID              string        `json:"id"`
	RiderID         string        `json:"rider_id"`
	DriverID        string        `json:"driver_id,omitempty"`
	Status          RideStatus    `json:"status"`
	VehicleType     VehicleType   `json:"vehicle_type"`
	ServiceVariant  string        `json:"service_variant"`
	Fare            Fare          `json:"fare"`
	PlannedPickup   Location      `json:"planned_pickup"`
	PlannedDropoff  Location      `json:"planned_dropoff"`
	ActualPickup    *Coord        `json:"actual_pickup,omitempty"`
	ActualDropoff   *Coord        `json:"actual_dropoff,omitempty"`
	MatchAttempt    MatchAttempt  `json:"match_attempt"`
	StatusReason    string        `json:"status_reason,omitempty"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Version         int           `json:"version"`
}

// Clone returns a deep copy so callers can prepare the next state of a ride
// without touching the stored one.
func (r *Ride) Clone() *Ride {
	out := *r
	out.MatchAttempt = r.MatchAttempt.clone()
	out.ActualPickup = cloneCoord(r.ActualPickup)
	out.ActualDropoff = cloneCoord(r.ActualDropoff)
	out.StartedAt = cloneTime(r.StartedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	return &out
}

// JobKey is the key of the match job for the ride's current attempt.
func (r *Ride) JobKey() string { return JobKey(r.ID, r.MatchAttempt.RetryCount) }

// MatchJob is one attempt to find a driver for a ride.
type MatchJob struct {
	Key              string       `json:"key"`
	RideID           string       `json:"ride_id"`
	RetryCount       int          `json:"retry_count"`
	Message          MatchMessage `json:"message_data"`
	AttemptedDrivers []string     `json:"attempted_drivers"`
	EnqueuedAt       time.Time    `json:"enqueued_at"`
}

func JobKey(rideID string, retryCount int) string {
	return fmt.Sprintf("%s:%d", rideID, retryCount)
}

// NewMatchJob builds the job for the ride's current attempt.
func NewMatchJob(r *Ride, now time.Time) MatchJob {
	return MatchJob{
		Key:              r.JobKey(),
		RideID:           r.ID,
		RetryCount:       r.MatchAttempt.RetryCount,
		Message:          r.MatchAttempt.Payload(),
		AttemptedDrivers: slices.Clone(r.MatchAttempt.AttemptedDrivers),
		EnqueuedAt:       now,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCoord(c *Coord) *Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
