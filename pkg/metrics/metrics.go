package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_events_published_total",
			Help: "Total number of events accepted by the bus, by type",
		},
		[]string{"type"},
	)

	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_events_delivered_total",
			Help: "Total number of handler invocations, by subject",
		},
		[]string{"subject"},
	)

	EventsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vextir_events_deduplicated_total",
			Help: "Total number of events dropped by the dedup cache",
		},
	)

	EventsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vextir_events_expired_total",
			Help: "Total number of events dropped because their TTL elapsed",
		},
	)

	EventsOrphanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_events_orphaned_total",
			Help: "Total number of events parked with no consumer, by type",
		},
		[]string{"type"},
	)

	OrphanEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vextir_orphan_evictions_total",
			Help: "Total number of orphan records evicted by the bounded ring",
		},
	)

	DeadLetterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vextir_dead_letter_events",
			Help: "Current number of events parked in the dead-letter store",
		},
	)

	DeadLetterEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vextir_dead_letter_evictions_total",
			Help: "Total number of dead-letter records evicted by the bounded store",
		},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vextir_handler_duration_seconds",
			Help:    "Subscriber handler duration in seconds, by subject",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	HandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_handler_failures_total",
			Help: "Total number of handler failures routed to the dead-letter store",
		},
		[]string{"subject"},
	)

	// Processor metrics
	ProcessorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_processor_events_total",
			Help: "Total number of events routed by the universal processor, by type",
		},
		[]string{"type"},
	)

	ProcessorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_processor_errors_total",
			Help: "Total number of driver failures, by error kind",
		},
		[]string{"kind"},
	)

	DriverHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vextir_driver_handle_duration_seconds",
			Help:    "Driver Handle duration in seconds, by driver",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver"},
	)

	// Registry metrics
	DriversRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vextir_drivers_registered",
			Help: "Number of registered drivers, by status",
		},
		[]string{"status"},
	)

	ModelUsageCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_model_usage_cost_dollars_total",
			Help: "Accumulated model usage cost in dollars, by model",
		},
		[]string{"model"},
	)

	// Conversation metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vextir_conversation_sessions_active",
			Help: "Current number of live conversation sessions",
		},
	)

	TurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vextir_conversation_turns_total",
			Help: "Total number of conversation turns opened",
		},
	)

	// Resilience metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vextir_breaker_state",
			Help: "Circuit breaker state by resource (0 closed, 1 open, 2 half-open)",
		},
		[]string{"resource"},
	)

	BreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_breaker_rejections_total",
			Help: "Total number of calls rejected while a breaker was open",
		},
		[]string{"resource"},
	)

	ProviderHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vextir_provider_healthy",
			Help: "Provider health as seen by the monitor (1 healthy, 0 otherwise)",
		},
		[]string{"provider"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vextir_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vextir_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDeliveredTotal)
	prometheus.MustRegister(EventsDeduplicatedTotal)
	prometheus.MustRegister(EventsExpiredTotal)
	prometheus.MustRegister(EventsOrphanedTotal)
	prometheus.MustRegister(OrphanEvictionsTotal)
	prometheus.MustRegister(DeadLetterSize)
	prometheus.MustRegister(DeadLetterEvictionsTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(HandlerFailuresTotal)
	prometheus.MustRegister(ProcessorEventsTotal)
	prometheus.MustRegister(ProcessorErrorsTotal)
	prometheus.MustRegister(DriverHandleDuration)
	prometheus.MustRegister(DriversRegistered)
	prometheus.MustRegister(ModelUsageCostTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(TurnsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerRejectionsTotal)
	prometheus.MustRegister(ProviderHealthy)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
