package geo

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver returned by a proximity query.
type Candidate struct {
	DriverID   string
	DistanceKm float64
	Loc        models.Coord
}

// Index is the minimal interface required by the matcher, lifecycle and ingest.
// Nearby returns drivers of the vehicle type within radiusKm, nearest first.
type Index interface {
	Nearby(ctx context.Context, vt models.VehicleType, p models.Coord, radiusKm float64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, vt models.VehicleType, driverID string, p models.Coord) error
	Remove(ctx context.Context, vt models.VehicleType, driverID string) error
}

type entry struct {
	loc models.Coord
	seq uint64
}

// MemoryIndex keeps one point set per vehicle type. Ties on distance are
// broken by insertion order.
type MemoryIndex struct {
	mu      sync.RWMutex
	seq     uint64
	drivers map[models.VehicleType]map[string]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[models.VehicleType]map[string]entry)}
}

func (g *MemoryIndex) Upsert(_ context.Context, vt models.VehicleType, driverID string, p models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.drivers[vt]
	if !ok {
		set = make(map[string]entry)
		g.drivers[vt] = set
	}
	if e, ok := set[driverID]; ok {
		e.loc = p
		set[driverID] = e
		return nil
	}
	g.seq++
	set[driverID] = entry{loc: p, seq: g.seq}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, vt models.VehicleType, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers[vt], driverID)
	return nil
}

// naive scan; fine for a single process, Redis GEO covers production
func (g *MemoryIndex) Nearby(_ context.Context, vt models.VehicleType, p models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		c   Candidate
		seq uint64
	}
	arr := make([]pair, 0, len(g.drivers[vt]))
	for id, e := range g.drivers[vt] {
		dist := HaversineKm(p, e.loc)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{Candidate{DriverID: id, DistanceKm: dist, Loc: e.loc}, e.seq})
	}
	slices.SortFunc(arr, func(a, b pair) int {
		switch {
		case a.c.DistanceKm < b.c.DistanceKm:
			return -1
		case a.c.DistanceKm > b.c.DistanceKm:
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]Candidate, 0, len(arr))
	for _, pr := range arr {
		out = append(out, pr.c)
	}
	return out, nil
}

// Len reports how many drivers of the vehicle type are indexed.
func (g *MemoryIndex) Len(vt models.VehicleType) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers[vt])
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
