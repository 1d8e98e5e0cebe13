package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	scheduleKey = "match:jobs:schedule" // ZSET member=job key, score=visible-at ms
	payloadKey  = "match:jobs:payload"  // HASH job key -> JSON
)

// dequeueScript claims the earliest due job by pushing its visibility out by
// the lease, so concurrent workers never receive the same job.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local key = due[1]
local payload = redis.call('HGET', KEYS[2], key)
if not payload then
  redis.call('ZREM', KEYS[1], key)
  return false
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), key)
return {key, payload}
`)

var rescheduleScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// RedisQueue stores jobs in a sorted set keyed by visibility time.
type RedisQueue struct {
	client   redis.UniversalClient
	lease    time.Duration
	schedule string
	payload  string
}

func NewRedisQueue(client redis.UniversalClient, lease time.Duration) *RedisQueue {
	return &RedisQueue{client: client, lease: lease, schedule: scheduleKey, payload: payloadKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.MatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.payload, job.Key, body)
		p.ZAdd(ctx, q.schedule, redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.Key})
		return nil
	})
	return err
}

func (q *RedisQueue) Cancel(ctx context.Context, key string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.schedule, key)
		p.HDel(ctx, q.payload, key)
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*models.MatchJob, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.schedule, q.payload},
		time.Now().UnixMilli(), q.lease.Milliseconds()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	payload, _ := res[1].(string)
	var job models.MatchJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// poison payload; drop it rather than redeliver forever
		key, _ := res[0].(string)
		_ = q.Cancel(ctx, key)
		return nil, fmt.Errorf("decode job %s: %w", key, err)
	}
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, key string) error {
	return q.Cancel(ctx, key)
}

func (q *RedisQueue) Reschedule(ctx context.Context, key string, at time.Time) error {
	n, err := rescheduleScript.Run(ctx, q.client, []string{q.schedule, q.payload}, key, at.UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.schedule).Result()
	return int(n), err
}
