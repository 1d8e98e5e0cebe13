package geo

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands, one sorted set per
// vehicle type.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "drivers_geo"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) key(vt models.VehicleType) string { return r.prefix + ":" + string(vt) }

func (r *RedisIndex) Upsert(ctx context.Context, vt models.VehicleType, driverID string, p models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key(vt), &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: driverID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, vt models.VehicleType, driverID string) error {
	if err := r.client.ZRem(ctx, r.key(vt), driverID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, vt models.VehicleType, p models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key(vt), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", vt, err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{
			DriverID:   g.Name,
			DistanceKm: g.Dist,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out, nil
}

// Count reports how many drivers of the vehicle type are indexed.
func (r *RedisIndex) Count(ctx context.Context, vt models.VehicleType) (int64, error) {
	return r.client.ZCard(ctx, r.key(vt)).Result()
}
