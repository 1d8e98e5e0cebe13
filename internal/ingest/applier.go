package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var ErrInvalidUpdate = errors.New("invalid driver update")

// Applier writes a driver update to the driver store and keeps the geo index
// in step: only available drivers are indexed.
type Applier struct {
	drivers storage.DriverStore
	index   geo.Index

	mu     sync.Mutex
	online map[string]models.VehicleType
}

func NewApplier(drivers storage.DriverStore, index geo.Index) *Applier {
	return &Applier{drivers: drivers, index: index, online: make(map[string]models.VehicleType)}
}

func Validate(d models.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing driver id", ErrInvalidUpdate)
	}
	if d.VehicleType != models.VehicleCar && d.VehicleType != models.VehicleMotorcycle {
		return fmt.Errorf("%w: vehicle type %q", ErrInvalidUpdate, d.VehicleType)
	}
	if d.Loc.Lat < -90 || d.Loc.Lat > 90 || d.Loc.Lon < -180 || d.Loc.Lon > 180 || d.Loc.IsZero() {
		return fmt.Errorf("%w: coordinate %v", ErrInvalidUpdate, d.Loc)
	}
	switch d.Availability {
	case "":
	case models.DriverAvailable, models.DriverOffline:
	default:
		return fmt.Errorf("%w: drivers may only report available or offline, got %q", ErrInvalidUpdate, d.Availability)
	}
	return nil
}

// Apply stores the update and indexes the driver only when the stored
// availability is available. The store keeps an on-trip availability
// whatever the app reports.
func (a *Applier) Apply(ctx context.Context, d models.Driver) error {
	if err := Validate(d); err != nil {
		return err
	}
	if d.Availability == "" {
		d.Availability = models.DriverAvailable
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	stored, err := a.drivers.UpsertDriver(ctx, d)
	if err != nil {
		return fmt.Errorf("store driver %s: %w", d.ID, err)
	}

	if stored.Availability == models.DriverAvailable {
		if err := a.index.Upsert(ctx, d.VehicleType, d.ID, d.Loc); err != nil {
			return err
		}
		a.markOnline(ctx, d.ID, d.VehicleType)
		return nil
	}
	if err := a.index.Remove(ctx, d.VehicleType, d.ID); err != nil {
		return err
	}
	a.markOffline(d.ID)
	return nil
}

// markOnline also drops the driver from the index of a vehicle type it
// switched away from.
func (a *Applier) markOnline(ctx context.Context, id string, vt models.VehicleType) {
	a.mu.Lock()
	prev, ok := a.online[id]
	a.online[id] = vt
	a.mu.Unlock()
	if !ok {
		observability.DriversOnline.Inc()
		return
	}
	if prev != vt {
		_ = a.index.Remove(ctx, prev, id)
	}
}

func (a *Applier) markOffline(id string) {
	a.mu.Lock()
	_, ok := a.online[id]
	delete(a.online, id)
	a.mu.Unlock()
	if ok {
		observability.DriversOnline.Dec()
	}
}
