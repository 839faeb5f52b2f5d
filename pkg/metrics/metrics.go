// Package metrics provides Prometheus instrumentation for courier.
//
// The delivery engine increments these from the processor and the admin
// server mounts the scrape endpoint:
//
//	r.Use(metrics.Middleware())
//	r.Mount("/metrics", metrics.Handler())
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ─────────────────────────────────────────────
// Delivery metrics
// ─────────────────────────────────────────────

var (
	// JobsProcessed counts finished delivery attempts by outcome.
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total delivery attempts processed.",
		},
		[]string{"status"}, // "success" | "retry" | "dead_letter"
	)

	// DeliveryDuration tracks handler latency per channel.
	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of delivery handler invocations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// DeadLettered counts messages moved to the dead-letter queue, whether
	// they exhausted their attempts or hit an unknown channel.
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total messages moved to the dead-letter queue.",
	})

	// Requeued counts operator requeues of dead-letter entries and failed
	// main-queue jobs.
	Requeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "queue",
		Name:      "requeued_total",
		Help:      "Total messages requeued from the dead-letter queue or the failed state.",
	})

	// StaleReservationsReset counts jobs the reaper handed back.
	StaleReservationsReset = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "queue",
		Name:      "stale_reservations_reset_total",
		Help:      "Total stuck reservations reset back to waiting.",
	})

	// AlertsSent counts dead-letter alert mail by outcome.
	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "deadletter",
			Name:      "alerts_sent_total",
			Help:      "Total dead-letter alert emails by outcome.",
		},
		[]string{"status"}, // "sent" | "failed"
	)
)

// ─────────────────────────────────────────────
// HTTP metrics
// ─────────────────────────────────────────────

var (
	// RequestDuration tracks how long each admin HTTP request takes.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts all admin HTTP requests.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// RequestInFlight tracks how many requests are currently being served.
	RequestInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})
)

// ─────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────

// DefaultRegistry is the Prometheus registry used by courier.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(collectors.NewGoCollector())
	DefaultRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	DefaultRegistry.MustRegister(
		JobsProcessed,
		DeliveryDuration,
		DeadLettered,
		Requeued,
		StaleReservationsReset,
		AlertsSent,
		RequestDuration,
		RequestTotal,
		RequestInFlight,
	)
}

// MustRegister adds your own collectors to the courier registry.
func MustRegister(c ...prometheus.Collector) {
	DefaultRegistry.MustRegister(c...)
}

// Handler returns the scrape endpoint for DefaultRegistry.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// ─────────────────────────────────────────────
// HTTP middleware
// ─────────────────────────────────────────────

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records duration, total and in-flight metrics per request.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path // raw path; admin API cardinality is small

			RequestInFlight.Inc()
			defer RequestInFlight.Dec()

			rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rr, r)

			status := strconv.Itoa(rr.status)
			RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			RequestTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}
