package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "courtroom",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtroom",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courtroom",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "courtroom",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Current number of active court sessions.",
		},
	)

	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtroom",
			Subsystem: "sessions",
			Name:      "phase_transitions_total",
			Help:      "Total number of session phase transitions.",
		},
		[]string{"to"},
	)

	phaseTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtroom",
			Subsystem: "sessions",
			Name:      "phase_timeouts_total",
			Help:      "Total number of elapsed phase deadlines.",
		},
		[]string{"phase"},
	)

	deliberations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtroom",
			Subsystem: "deliberation",
			Name:      "runs_total",
			Help:      "Total number of deliberation engine invocations.",
		},
		[]string{"kind", "outcome"},
	)

	deliberationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courtroom",
			Subsystem: "deliberation",
			Name:      "run_duration_seconds",
			Help:      "Duration of deliberation engine invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"kind"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courtroom",
			Subsystem: "settlements",
			Name:      "total",
			Help:      "Total number of settlement offers by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionsActive,
		phaseTransitions,
		phaseTimeouts,
		deliberations,
		deliberationDuration,
		settlements,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetActiveSessions records the current size of the session table.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

// RecordPhaseTransition counts a session entering a phase.
func RecordPhaseTransition(to string) {
	phaseTransitions.WithLabelValues(to).Inc()
}

// RecordPhaseTimeout counts an elapsed phase deadline actually consumed.
func RecordPhaseTimeout(phase string) {
	phaseTimeouts.WithLabelValues(phase).Inc()
}

// RecordDeliberation records one engine invocation.
func RecordDeliberation(kind, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	deliberations.WithLabelValues(kind, outcome).Inc()
	deliberationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSettlement counts a settlement offer outcome.
func RecordSettlement(outcome string) {
	settlements.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/" + parts[1]
}
