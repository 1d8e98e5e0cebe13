// Package queue holds pending match jobs. A job stays in the queue until it
// is acked or cancelled; Dequeue leases it for a while and an unacked job
// becomes visible again when the lease runs out.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("queue: job not found")

type Queue interface {
	// Enqueue upserts the job and makes it visible immediately.
	Enqueue(ctx context.Context, job models.MatchJob) error
	Cancel(ctx context.Context, key string) error
	// Dequeue returns the next visible job, or nil when none is due.
	Dequeue(ctx context.Context) (*models.MatchJob, error)
	Ack(ctx context.Context, key string) error
	// Reschedule hides the job until at. Missing jobs yield ErrNotFound.
	Reschedule(ctx context.Context, key string, at time.Time) error
	Len(ctx context.Context) (int, error)
}

type memJob struct {
	job       models.MatchJob
	visibleAt time.Time
	seq       uint64
}

type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*memJob
	seq   uint64
	lease time.Duration
	now   func() time.Time
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*memJob), lease: lease, now: time.Now}
}

// WithClock replaces the time source; used by tests that move time forward.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job models.MatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.jobs[job.Key] = &memJob{job: job, visibleAt: q.now(), seq: q.seq}
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, key)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*models.MatchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []*memJob
	for _, j := range q.jobs {
		if !j.visibleAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].visibleAt.Equal(due[b].visibleAt) {
			return due[a].seq < due[b].seq
		}
		return due[a].visibleAt.Before(due[b].visibleAt)
	})
	j := due[0]
	j.visibleAt = now.Add(q.lease)
	out := j.job
	return &out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, key string) error {
	return q.Cancel(ctx, key)
}

func (q *MemoryQueue) Reschedule(_ context.Context, key string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return ErrNotFound
	}
	j.visibleAt = at
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

// Has reports whether key is still queued.
func (q *MemoryQueue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[key]
	return ok
}
