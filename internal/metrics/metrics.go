package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medremind_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medremind_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	cycleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medremind_cycle_runs_total",
			Help: "Due-check cycle runs by result",
		},
		[]string{"result"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medremind_cycle_duration_seconds",
			Help:    "Wall time of one due-check cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	remindersDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medremind_reminders_due",
			Help: "Reminders selected by the last cycle",
		},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medremind_dispatches_total",
			Help: "Sender invocations by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	dispatchLateness = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medremind_dispatch_lateness_seconds",
			Help:    "Delay between a reminder's scheduled time and its delivery",
			Buckets: []float64{-60, -30, 0, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medremind_reminder_transitions_total",
			Help: "Reminder state transitions by kind",
		},
		[]string{"kind"},
	)

	ledgerHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medremind_ledger_hits_total",
			Help: "Occurrences skipped because the ledger already holds them",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medremind_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medremind_circuit_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCycle records the result and duration of a due-check cycle.
func RecordCycle(result string, duration time.Duration) {
	cycleRuns.WithLabelValues(result).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// SetRemindersDue sets the number of reminders selected by the last cycle.
func SetRemindersDue(count int) {
	remindersDue.Set(float64(count))
}

// RecordDispatch records one sender invocation.
func RecordDispatch(channel, outcome string) {
	dispatches.WithLabelValues(channel, outcome).Inc()
}

// RecordDispatchLateness records how late a delivery was relative to its
// scheduled time. Early deliveries inside the lookahead are negative.
func RecordDispatchLateness(channel string, lateness time.Duration) {
	dispatchLateness.WithLabelValues(channel).Observe(lateness.Seconds())
}

// RecordTransition records a reminder state change (rescheduled, sent,
// rolled_over, deactivated, conflict).
func RecordTransition(kind string) {
	transitions.WithLabelValues(kind).Inc()
}

// RecordLedgerHit records an occurrence skipped by the delivery ledger.
func RecordLedgerHit() {
	ledgerHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetCircuitState publishes the state of a provider circuit breaker.
func SetCircuitState(breaker string, state int) {
	circuitState.WithLabelValues(breaker).Set(float64(state))
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
