package matcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/queue"
)

// Expirer runs the offer timeout path. It is implemented by the lifecycle
// controller, which treats a timeout exactly like a rejection.
type Expirer interface {
	ExpireOffer(ctx context.Context, rideID, driverID string, retryCount int) error
}

// Pool pulls match jobs and hands them to the Dispatcher from a fixed number
// of workers. Failed attempts are rescheduled with backoff, never dropped.
type Pool struct {
	Dispatcher   *Dispatcher
	Queue        queue.Queue
	Expirer      Expirer
	Workers      int
	PollInterval time.Duration
	Backoff      time.Duration
	Logger       zerolog.Logger
}

func (p *Pool) String() string { return "match-pool" }

// Serve runs the workers until ctx is cancelled.
func (p *Pool) Serve(ctx context.Context) error {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, id int) {
	poll := p.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	log := p.Logger.With().Int("worker", id).Logger()
	for ctx.Err() == nil {
		handled, err := p.RunOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("match job failed")
		}
		if handled {
			continue
		}
		if n, err := p.Queue.Len(ctx); err == nil {
			observability.QueueDepth.Set(float64(n))
		}
		select {
		case <-ctx.Done():
		case <-time.After(poll):
		}
	}
}

// RunOnce processes at most one due job and reports whether one was found.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.Queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, p.handle(ctx, *job)
}

func (p *Pool) handle(ctx context.Context, job models.MatchJob) error {
	res, err := p.Dispatcher.Attempt(ctx, job)
	if err != nil {
		p.nack(ctx, job)
		return err
	}
	if res.Outcome != OutcomeOfferExpired || p.Expirer == nil {
		return nil
	}
	err = p.Expirer.ExpireOffer(ctx, job.RideID, res.DriverID, job.RetryCount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrNotFound):
		// someone else moved the ride on; the job is stale on its next delivery
		return nil
	default:
		p.nack(ctx, job)
		return err
	}
}

func (p *Pool) nack(ctx context.Context, job models.MatchJob) {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	observability.JobRedeliveries.Inc()
	if err := p.Queue.Reschedule(ctx, job.Key, p.Dispatcher.now().Add(backoff)); err != nil && !errors.Is(err, queue.ErrNotFound) {
		p.Logger.Warn().Err(err).Str("job", job.Key).Msg("nack match job failed, waiting for lease expiry")
	}
}
