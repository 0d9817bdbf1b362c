package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookbox_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_notifications_created_total",
			Help: "Notifications persisted, by source",
		},
		[]string{"source"},
	)

	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_tasks_processed_total",
			Help: "Queue tasks handled, by stage and outcome",
		},
		[]string{"kind", "outcome"},
	)

	taskLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookbox_task_latency_seconds",
			Help:    "Time from first enqueue to completion of a task",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookbox_queue_depth",
			Help: "Tasks waiting in a queue, ready or delayed",
		},
		[]string{"queue"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_deliveries_total",
			Help: "Delivery attempts by mechanism and outcome",
		},
		[]string{"mechanism", "outcome"},
	)

	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookbox_live_connections",
			Help: "Open WebSocket connections",
		},
	)

	liveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookbox_live_rooms",
			Help: "Rooms with at least one subscriber",
		},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_events_emitted_total",
			Help: "Events sent to live connections, by event name",
		},
		[]string{"event"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_events_dropped_total",
			Help: "Events dropped for slow or closed connections",
		},
		[]string{"event"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookbox_idempotency_hits_total",
			Help: "Webhook requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbox_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookbox_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookbox_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookbox_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordNotificationCreated counts a persisted notification
func RecordNotificationCreated(source string) {
	notificationsCreated.WithLabelValues(source).Inc()
}

// RecordTaskProcessed counts a task outcome: success, retried, dropped or skipped
func RecordTaskProcessed(kind, outcome string) {
	tasksProcessed.WithLabelValues(kind, outcome).Inc()
}

// RecordTaskLatency records end-to-end time for a task
func RecordTaskLatency(kind string, latency time.Duration) {
	taskLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// SetQueueDepth sets the waiting task count of a queue
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDelivery counts one delivery by mechanism: delivered, skipped or failed
func RecordDelivery(mechanism, outcome string) {
	deliveries.WithLabelValues(mechanism, outcome).Inc()
}

func SetLiveConnections(count int) {
	liveConnections.Set(float64(count))
}

func SetLiveRooms(count int) {
	liveRooms.Set(float64(count))
}

// RecordEventEmitted counts an event handed to n connections
func RecordEventEmitted(event string, n int) {
	eventsEmitted.WithLabelValues(event).Add(float64(n))
}

func RecordEventDropped(event string) {
	eventsDropped.WithLabelValues(event).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern, so
// webhook tokens and IDs in paths do not become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
