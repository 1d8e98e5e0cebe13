package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a mutex-guarded Store. Rides are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	active  map[string]string // rider id -> ride id
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		active:  make(map[string]string),
		drivers: make(map[string]models.Driver),
		now:     time.Now,
	}
}

func (m *MemoryStore) InsertRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	if !r.Status.Terminal() {
		if _, ok := m.active[r.RiderID]; ok {
			return ErrActiveRide
		}
		m.active[r.RiderID] = r.ID
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideIfStatus(_ context.Context, next *models.Ride, expected []models.RideStatus, effects ...DriverEffect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() || !slices.Contains(expected, cur.Status) || cur.Version != next.Version {
		return ErrConflict
	}

	now := m.now()
	stored := next.Clone()
	stored.Version = cur.Version + 1
	m.rides[next.ID] = stored
	if stored.Status.Terminal() {
		delete(m.active, stored.RiderID)
	}
	for _, e := range effects {
		d := m.drivers[e.DriverID]
		e.Apply(&d, now)
		m.drivers[e.DriverID] = d
	}
	next.Version = stored.Version
	return nil
}

func (m *MemoryStore) ActiveRideForRider(_ context.Context, riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[riderID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.rides[id].Clone(), nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d models.Driver) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.drivers[d.ID]; ok {
		d.DeclineCount = cur.DeclineCount
		d.MissedRequests = cur.MissedRequests
		if cur.Availability.OnTrip() {
			d.Availability = cur.Availability
		}
	}
	if d.Updated.IsZero() {
		d.Updated = m.now()
	}
	m.drivers[d.ID] = d
	return &d, nil
}
