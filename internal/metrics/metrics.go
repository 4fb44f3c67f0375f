// Package metrics provides Prometheus metrics for the printlink daemon.
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
	// SD card poller metrics
	updateCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printlink_sd_update_cycles_total",
			Help: "Total number of SD card poll cycles",
		},
	)

	listingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printlink_sd_listing_duration_seconds",
			Help:    "Time to request and rebuild the SD file tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printlink_sd_probes_total",
			Help: "Total presence probes by outcome",
		},
		[]string{"result"},
	)

	sdStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printlink_sd_state",
			Help: "Current SD card state (1 for the active state)",
		},
		[]string{"state"},
	)

	treeFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printlink_sd_tree_files",
			Help: "Number of files in the current SD file tree",
		},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printlink_events_total",
			Help: "Total events published to subscribers",
		},
		[]string{"type"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printlink_event_subscribers_active",
			Help: "Number of active event subscribers",
		},
	)

	// Serial queue metrics
	instructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printlink_serial_instructions_total",
			Help: "Total serial instructions by status",
		},
		[]string{"status"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printlink_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printlink_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordUpdateCycle increments the poll cycle counter.
func RecordUpdateCycle() {
	updateCyclesTotal.Inc()
}

// ObserveListingDuration records how long a tree rebuild took.
func ObserveListingDuration(d time.Duration) {
	listingDuration.Observe(d.Seconds())
}

// RecordProbe records a presence probe outcome: present, absent or
// unresolved.
func RecordProbe(result string) {
	probesTotal.WithLabelValues(result).Inc()
}

// SetSDState marks the given state as active and clears the others.
func SetSDState(state string) {
	for _, s := range []string{"UNSURE", "INITIALISING", "PRESENT", "ABSENT"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		sdStateGauge.WithLabelValues(s).Set(v)
	}
}

// SetTreeFiles records the current file tree size.
func SetTreeFiles(n int) {
	treeFiles.Set(float64(n))
}

// RecordEvent records a published event by type.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetSubscribersActive records the number of event subscribers.
func SetSubscribersActive(n int64) {
	subscribersActive.Set(float64(n))
}

// RecordInstruction records a serial instruction outcome: confirmed or
// abandoned.
func RecordInstruction(status string) {
	instructionsTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware wraps an HTTP handler with request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
