// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// OrdersSubmittedTotal counts admitted order submissions by order type.
	OrdersSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Total number of orders admitted by the submission service",
		},
		[]string{"type"},
	)
	// OrderStatusTransitionsTotal counts every order lifecycle transition by
	// origin and destination status.
	OrderStatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"from", "to"},
	)
	// OrdersFailedTotal counts orders that reached the failed terminal state,
	// by failure reason.
	OrdersFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total number of orders that terminated as failed",
		},
		[]string{"reason"},
	)
	// JobRetriesTotal counts worker job retries (nacked, non-terminal failures).
	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of job retries scheduled by the worker",
		},
	)

	// QueueDepthWaiting is a gauge of jobs waiting to be leased.
	QueueDepthWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth_waiting",
			Help: "Number of jobs currently waiting in the queue",
		},
	)
	// QueueDepthInFlight is a gauge of jobs currently leased by a worker.
	QueueDepthInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth_in_flight",
			Help: "Number of jobs currently leased and being processed",
		},
	)

	// VenueQuoteDuration records quote latency per venue.
	VenueQuoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "venue_quote_duration_seconds",
			Help:    "Venue quote request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"venue"},
	)
	// VenueSelectedTotal counts how often each venue wins best-price selection.
	VenueSelectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_selected_total",
			Help: "Total number of times a venue was selected as the best quote",
		},
		[]string{"venue"},
	)
	// ExecutionSlippage records the realized slippage fraction of confirmed fills.
	ExecutionSlippage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execution_slippage_fraction",
			Help:    "Distribution of realized slippage as a fraction of the expected price",
			Buckets: []float64{0, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05},
		},
	)

	// SSEConnectionsActive is a gauge of currently open order-stream connections.
	SSEConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of currently open order subscription streams",
		},
	)
	// IdempotencyReplaysTotal counts submissions served from an idempotency hit.
	IdempotencyReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Total number of submissions served as an idempotent replay",
		},
	)
	// RateLimitRejectionsTotal counts submissions rejected for exceeding the rate limit.
	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of submissions rejected for exceeding the per-IP rate limit",
		},
	)

	// CircuitBreakerStatus tracks circuit breaker state by name and operation.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(OrdersSubmittedTotal)
	prometheus.MustRegister(OrderStatusTransitionsTotal)
	prometheus.MustRegister(OrdersFailedTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(QueueDepthWaiting)
	prometheus.MustRegister(QueueDepthInFlight)
	prometheus.MustRegister(VenueQuoteDuration)
	prometheus.MustRegister(VenueSelectedTotal)
	prometheus.MustRegister(ExecutionSlippage)
	prometheus.MustRegister(SSEConnectionsActive)
	prometheus.MustRegister(IdempotencyReplaysTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordOrderSubmitted increments the submitted-orders counter for orderType.
func RecordOrderSubmitted(orderType string) {
	OrdersSubmittedTotal.WithLabelValues(orderType).Inc()
}

// RecordOrderTransition increments the transition counter for a from->to edge.
func RecordOrderTransition(from, to string) {
	OrderStatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordOrderFailed increments the failed-orders counter for reason.
func RecordOrderFailed(reason string) {
	OrdersFailedTotal.WithLabelValues(reason).Inc()
}

// RecordJobRetry increments the job retry counter.
func RecordJobRetry() {
	JobRetriesTotal.Inc()
}

// SetQueueDepth sets the waiting and in-flight queue depth gauges.
func SetQueueDepth(waiting, inFlight int) {
	QueueDepthWaiting.Set(float64(waiting))
	QueueDepthInFlight.Set(float64(inFlight))
}

// RecordVenueQuote observes a venue quote's latency in seconds.
func RecordVenueQuote(venue string, seconds float64) {
	VenueQuoteDuration.WithLabelValues(venue).Observe(seconds)
}

// RecordVenueSelected increments the selected-venue counter.
func RecordVenueSelected(venue string) {
	VenueSelectedTotal.WithLabelValues(venue).Inc()
}

// RecordExecutionSlippage observes the realized slippage fraction of a fill.
func RecordExecutionSlippage(fraction float64) {
	if fraction < 0 {
		fraction = -fraction
	}
	ExecutionSlippage.Observe(fraction)
}

// IncSSEConnections increments the active order-stream gauge.
func IncSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecSSEConnections decrements the active order-stream gauge.
func DecSSEConnections() {
	SSEConnectionsActive.Dec()
}

// RecordIdempotencyReplay increments the idempotent-replay counter.
func RecordIdempotencyReplay() {
	IdempotencyReplaysTotal.Inc()
}

// RecordRateLimitRejection increments the rate-limit-rejection counter.
func RecordRateLimitRejection() {
	RateLimitRejectionsTotal.Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
