package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means the stored ride no longer matches the expected
	// status or version.
	ErrConflict = errors.New("storage: conflict")
	// ErrActiveRide means the rider already has a non-terminal ride.
	ErrActiveRide = errors.New("storage: rider has an active ride")
)

// DriverEffect is a driver-side change committed together with a ride
// transition. Missing drivers are created.
type DriverEffect struct {
	DriverID      string
	Availability  models.DriverAvailability // empty keeps the current value
	Decline       bool
	Missed        bool
	ResetCounters bool
}

// Apply mutates d according to the effect.
func (e DriverEffect) Apply(d *models.Driver, now time.Time) {
	if d.ID == "" {
		d.ID = e.DriverID
		d.Availability = models.DriverAvailable
	}
	if e.Availability != "" {
		d.Availability = e.Availability
	}
	if e.ResetCounters {
		d.DeclineCount = 0
		d.MissedRequests = 0
	}
	if e.Decline {
		d.DeclineCount++
	}
	if e.Missed {
		d.MissedRequests++
	}
	d.Updated = now
}

// RideStore persists rides. UpdateRideIfStatus is a compare-and-swap: it
// succeeds only when the stored ride is in one of the expected statuses and
// still carries next.Version. On success next.Version is bumped to match the
// stored row.
type RideStore interface {
	InsertRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRideIfStatus(ctx context.Context, next *models.Ride, expected []models.RideStatus, effects ...DriverEffect) error
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// UpsertDriver records reported state and returns the stored record.
	// Server-side counters are kept, and so is an on-trip availability:
	// only available/offline may be overwritten by a report.
	UpsertDriver(ctx context.Context, d models.Driver) (*models.Driver, error)
}

type Store interface {
	RideStore
	DriverStore
}
