package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_attempts_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	OffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Ride offers sent to drivers"})
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Offers accepted by drivers"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from search start to driver acceptance", Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300}})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers currently in the geo index"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"status"},
	)
	TransitionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transition_conflicts_total", Help: "Lifecycle operations rejected by a concurrent change"},
		[]string{"operation"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by sink and result"},
		[]string{"sink", "result"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the fan-out buffer was full"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location messages consumed by result"},
		[]string{"result"},
	)

	JobRedeliveries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "job_redeliveries_total", Help: "Match jobs rescheduled after a failed attempt"})
	QueueDepth      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "match_queue_depth", Help: "Match jobs waiting in the queue"})

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "Breaker state (0 closed, 1 half-open, 2 open)"},
		[]string{"name"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
