package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reward_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reward_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	creditsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "ledger",
			Name:      "credits_issued_total",
			Help:      "Total number of reward credits issued.",
		},
		[]string{"item_type"},
	)

	creditsAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "ledger",
			Name:      "credited_amount_total",
			Help:      "Total reward amount credited.",
		},
		[]string{"item_type"},
	)

	duplicateCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "ledger",
			Name:      "duplicate_credits_total",
			Help:      "Resubmissions resolved idempotently against an existing credit.",
		},
	)

	batchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "settlement",
			Name:      "batch_transitions_total",
			Help:      "Settlement batch state transitions.",
		},
		[]string{"state"},
	)

	settledAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reward_engine",
			Subsystem: "settlement",
			Name:      "settled_amount_total",
			Help:      "Total amount confirmed on-chain.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		creditsIssued,
		creditsAmount,
		duplicateCredits,
		batchTransitions,
		settledAmount,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// CreditIssued records a newly issued credit.
func CreditIssued(itemType string, amount float64) {
	creditsIssued.WithLabelValues(itemType).Inc()
	creditsAmount.WithLabelValues(itemType).Add(amount)
}

// DuplicateCredit records an idempotent duplicate resolution.
func DuplicateCredit() { duplicateCredits.Inc() }

// BatchTransition records a settlement batch entering a state.
func BatchTransition(state string) { batchTransitions.WithLabelValues(state).Inc() }

// AmountSettled records a confirmed on-chain settlement amount.
func AmountSettled(amount float64) { settledAmount.Add(amount) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an HTTP handler with request counting and latency
// observation. The path label uses the route prefix to bound cardinality.
func Instrument(pathLabel string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, pathLabel, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, pathLabel).Observe(time.Since(start).Seconds())
	})
}
