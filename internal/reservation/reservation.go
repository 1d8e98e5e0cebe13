// Package reservation grants short exclusive leases on drivers so a driver
// is offered to at most one ride at a time.
package reservation

import (
	"context"
	"sync"
	"time"
)

type Leaser interface {
	// Acquire reserves driverID for rideID. It succeeds when the driver is
	// free or already held by the same ride, in which case the lease is
	// extended.
	Acquire(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error)
	// Release drops the lease only if rideID still holds it.
	Release(ctx context.Context, driverID, rideID string) error
	// Holder returns the ride holding the driver, or "".
	Holder(ctx context.Context, driverID string) (string, error)
}

type lease struct {
	rideID  string
	expires time.Time
}

type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{leases: make(map[string]lease), now: time.Now}
}

func (m *MemoryLeaser) WithClock(now func() time.Time) *MemoryLeaser {
	m.now = now
	return m
}

func (m *MemoryLeaser) Acquire(_ context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[driverID]; ok && now.Before(l.expires) && l.rideID != rideID {
		return false, nil
	}
	m.leases[driverID] = lease{rideID: rideID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLeaser) Release(_ context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[driverID]; ok && l.rideID == rideID {
		delete(m.leases, driverID)
	}
	return nil
}

func (m *MemoryLeaser) Holder(_ context.Context, driverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[driverID]
	if !ok || !m.now().Before(l.expires) {
		return "", nil
	}
	return l.rideID, nil
}
