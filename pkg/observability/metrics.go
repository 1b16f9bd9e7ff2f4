package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_turns_total",
			Help: "Total number of chat turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantchat_turn_duration_seconds",
			Help:    "Chat turn duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// Stream metrics
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_stream_events_total",
			Help: "Total number of decoded stream events by type",
		},
		[]string{"type"},
	)

	decodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantchat_stream_decode_failures_total",
			Help: "Total number of stream records skipped because they did not decode",
		},
	)

	// Store metrics
	storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_store_writes_total",
			Help: "Total number of chat log writes",
		},
		[]string{"op", "status"},
	)

	storeWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantchat_store_write_duration_seconds",
			Help:    "Chat log write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Backend metrics
	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_backend_requests_total",
			Help: "Total number of analysis backend requests",
		},
		[]string{"endpoint", "status"},
	)

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantchat_uploads_total",
			Help: "Total number of file uploads by outcome",
		},
		[]string{"outcome"},
	)

	// System metrics
	activeTurns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantchat_active_turns",
			Help: "Number of turns currently streaming",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantchat_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			streamEventsTotal,
			decodeFailuresTotal,
			storeWritesTotal,
			storeWriteDuration,
			backendRequestsTotal,
			uploadsTotal,
			activeTurns,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goroutines.Set(float64(runtime.NumGoroutine()))
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// RecordTurn records the outcome and duration of a chat turn
func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStreamEvent counts a decoded stream event
func RecordStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDecodeFailure counts a skipped stream record
func RecordDecodeFailure() {
	decodeFailuresTotal.Inc()
}

// RecordStoreWrite records a chat log write
func RecordStoreWrite(op string, err error, duration time.Duration) {
	storeWritesTotal.WithLabelValues(op, statusOf(err)).Inc()
	storeWriteDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBackendRequest counts a request to the analysis backend
func RecordBackendRequest(endpoint, status string) {
	backendRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordUpload counts a file upload
func RecordUpload(err error) {
	uploadsTotal.WithLabelValues(statusOf(err)).Inc()
}

// TurnStarted increments the active turns gauge
func TurnStarted() {
	activeTurns.Inc()
}

// TurnFinished decrements the active turns gauge
func TurnFinished() {
	activeTurns.Dec()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
