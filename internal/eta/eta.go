package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend able to estimate travel time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by rounded coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// keys are rounded to ~10m so nearby lookups share an entry
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator answers offer ETAs. It prefers the routing client when one is
// configured and falls back to the straight-line estimate on any failure.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	logger   zerolog.Logger
}

func NewEstimator(client Client, cache *Cache, speedMps float64, logger zerolog.Logger) *Estimator {
	return &Estimator{client: client, cache: cache, speedMps: speedMps, logger: logger}
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) time.Duration {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return seconds(v)
		}
	}
	if e.client != nil {
		v, err := e.client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			return seconds(v)
		}
		e.logger.Debug().Err(err).Msg("routing eta failed, using straight-line estimate")
	}
	return seconds(EstimateSeconds(from, to, e.speedMps))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Second)
}
