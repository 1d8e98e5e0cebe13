package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "reservation:driver:"

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaser stores one key per reserved driver; the key's TTL is the lease.
type RedisLeaser struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLeaser(client redis.UniversalClient) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: keyPrefix}
}

func (r *RedisLeaser) key(driverID string) string { return r.prefix + driverID }

func (r *RedisLeaser) Acquire(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key(driverID)}, rideID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLeaser) Release(ctx context.Context, driverID, rideID string) error {
	return releaseScript.Run(ctx, r.client, []string{r.key(driverID)}, rideID).Err()
}

func (r *RedisLeaser) Holder(ctx context.Context, driverID string) (string, error) {
	v, err := r.client.Get(ctx, r.key(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
