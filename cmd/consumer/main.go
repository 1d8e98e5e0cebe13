package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "location-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required: the consumer feeds the shared geo index")
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format).With().Str("service", "location-consumer").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rc.Close()
	checks := map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error { return rc.Ping(ctx).Err() },
	}

	var drivers storage.DriverStore
	if cfg.Postgres.DSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		drivers = ps
		checks["postgres"] = ps.Ping
	} else {
		logger.Warn().Msg("PG_DSN not set, driver records are kept in memory")
		drivers = storage.NewMemoryStore()
	}

	reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic, cfg.Kafka.ConsumerGroup)
	defer reader.Close()
	consumer := &ingest.Consumer{
		Reader:  reader,
		Applier: ingest.NewApplier(drivers, geo.NewRedisIndex(rc, cfg.Redis.GeoKey)),
		Logger:  logging.Component(logger, "consumer"),
	}

	tree := supervisor.NewTree("location-consumer", logger, supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})
	tree.AddWorker(consumer)
	tree.AddAPI(supervisor.NewHTTPService("metrics-http", &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           healthMux(checks, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}, cfg.HTTP.ShutdownTimeout))

	logger.Info().Str("topic", cfg.Kafka.LocationTopic).Strs("brokers", cfg.Kafka.Brokers).
		Str("group", cfg.Kafka.ConsumerGroup).Str("metrics_addr", cfg.HTTP.MetricsAddr).Msg("consumer starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("consumer stopped")
	return nil
}

func healthMux(checks map[string]func(context.Context) error, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn().Err(err).Str("check", name).Msg("not ready")
				http.Error(w, name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
