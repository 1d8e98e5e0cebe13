package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reservation"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ride-dispatch: %v\n", err)
		os.Exit(1)
	}
}

type backends struct {
	store  storage.Store
	index  geo.Index
	queue  queue.Queue
	leases reservation.Leaser
	checks map[string]httpapi.Check
	close  []func() error
}

func (b *backends) shutdown(logger zerolog.Logger) {
	for i := len(b.close) - 1; i >= 0; i-- {
		if err := b.close[i](); err != nil {
			logger.Warn().Err(err).Msg("close backend")
		}
	}
}

// openBackends uses Postgres and Redis when configured and in-process
// implementations otherwise, so a single binary runs locally.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{checks: map[string]httpapi.Check{}}

	if cfg.Postgres.DSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		b.close = append(b.close, ps.Close)
		if cfg.Postgres.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				b.shutdown(logger)
				return nil, err
			}
			logger.Info().Msg("migrations applied")
		}
		b.store = ps
		b.checks["postgres"] = ps.Ping
	} else {
		logger.Warn().Msg("PG_DSN not set, rides are kept in memory")
		b.store = storage.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		b.close = append(b.close, rc.Close)
		b.index = geo.NewRedisIndex(rc, cfg.Redis.GeoKey)
		b.queue = queue.NewRedisQueue(rc, cfg.Matcher.LeaseTTL)
		b.leases = reservation.NewRedisLeaser(rc)
		b.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, geo index, match queue and reservations are in memory")
		b.index = geo.NewMemoryIndex()
		b.queue = queue.NewMemoryQueue(cfg.Matcher.LeaseTTL)
		b.leases = reservation.NewMemoryLeaser()
	}
	return b, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format).With().Str("service", "ride-dispatch").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.shutdown(logger)

	ws := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{ws}
	if cfg.Push.FirebaseProjectID != "" || cfg.Push.FirebaseCredentialsFile != "" {
		client, err := dispatch.NewFirebaseMessaging(ctx, cfg.Push.FirebaseProjectID, cfg.Push.FirebaseCredentialsFile)
		if err != nil {
			logger.Warn().Err(err).Msg("push notifications disabled")
		} else {
			sinks = append(sinks, dispatch.NewPushSink(client, logging.Component(logger, "push")))
		}
	}
	var publisher httpapi.LocationPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		events := dispatch.NewKafkaSink(dispatch.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic))
		b.close = append(b.close, events.Close)
		sinks = append(sinks, events)

		producer := ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic, cfg.Kafka.PublishTimeout)
		b.close = append(b.close, producer.Close)
		publisher = producer
	}
	fanout := dispatch.NewFanout(logging.Component(logger, "notify"), cfg.Push.Buffer, cfg.Push.Workers, sinks...)

	var gateway payments.Gateway = payments.Noop{}
	if cfg.Payments.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.Payments.StripeAPIKey)
	}

	var routes eta.Client
	if cfg.ETA.OSRMEndpoint != "" {
		routes = eta.NewOSRMClient(cfg.ETA.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(routes, eta.NewCache(cfg.ETA.CacheTTL), cfg.ETA.DefaultSpeedMps, logging.Component(logger, "eta"))

	dispatcher := &matcher.Dispatcher{
		Config: matcher.Config{
			TopN:             cfg.Matcher.TopN,
			RadiusKm:         cfg.Matcher.RadiusKm,
			OfferTimeout:     cfg.Matcher.OfferTimeout,
			ReservationGrace: cfg.Matcher.ReservationGrace,
			RetryDelay:       cfg.Matcher.RetryDelay,
			SearchTimeout:    cfg.Matcher.SearchTimeout,
		},
		Store:    b.store,
		Index:    b.index,
		Queue:    b.queue,
		Leases:   b.leases,
		Notifier: fanout,
		ETA:      estimator,
		Payments: gateway,
		Logger:   logging.Component(logger, "matcher"),
	}
	controller := &lifecycle.Controller{
		Store:      b.store,
		Index:      b.index,
		Queue:      b.queue,
		Leases:     b.leases,
		Dispatcher: dispatcher,
		Notifier:   fanout,
		Payments:   gateway,
		Logger:     logging.Component(logger, "lifecycle"),
	}
	pool := &matcher.Pool{
		Dispatcher:   dispatcher,
		Queue:        b.queue,
		Expirer:      controller,
		Workers:      cfg.Matcher.Workers,
		PollInterval: cfg.Matcher.PollInterval,
		Backoff:      cfg.Matcher.RetryDelay,
		Logger:       logging.Component(logger, "match-pool"),
	}

	api := httpapi.NewServer(httpapi.Options{
		Rides:     controller,
		Locations: ingest.NewApplier(b.store, b.index),
		Publisher: publisher,
		WS:        ws,
		Checks:    b.checks,
		Logger:    logging.Component(logger, "http"),
	})

	tree := supervisor.NewTree("ride-dispatch", logger, supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})
	tree.AddWorker(fanout)
	tree.AddWorker(pool)
	tree.AddAPI(supervisor.NewHTTPService("api-http",
		api.HTTPServer(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout),
		cfg.HTTP.ShutdownTimeout))

	logger.Info().Str("addr", cfg.HTTP.Addr).Int("workers", cfg.Matcher.Workers).
		Bool("postgres", cfg.Postgres.DSN != "").Bool("redis", cfg.Redis.Addr != "").
		Int("sinks", len(sinks)).Msg("ride-dispatch starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("ride-dispatch stopped")
	return nil
}
