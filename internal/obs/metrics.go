package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Transmission core metrics.
var (
	TransmissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmission_transitions_total",
			Help: "Transmission status transitions.",
		},
		[]string{"from", "to"},
	)

	AuthorityRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authority_requests_total",
			Help: "Outbound authority submissions by classified outcome.",
		},
		[]string{"outcome"},
	)

	AuthorityLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authority_request_duration_seconds",
		Help:    "Latency of authority submissions.",
		Buckets: prometheus.DefBuckets,
	})

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Transmissions rejected by the admission gate.",
		},
		[]string{"tier", "reason"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per destination (0=closed, 1=half_open, 2=open).",
		},
		[]string{"destination"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	KeyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_key_rotations_total",
			Help: "Encryption key rotations by purpose and trigger.",
		},
		[]string{"purpose", "reason"},
	)

	BatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Transmissions processed by batch jobs, by result.",
		},
		[]string{"result"},
	)

	serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invoicegate_service_info",
			Help: "Running invoicegate service, version and commit.",
		},
		[]string{"service", "version", "commit"},
	)
)

var registerOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			TransmissionTransitions, AuthorityRequests, AuthorityLatency,
			AdmissionRejections, BreakerState, WebhookDeliveries,
			KeyRotations, BatchItems, serviceInfo,
		)
	})
}

// SetServiceInfo publishes the identity of the running binary as a single
// series valued 1.
func SetServiceInfo(service, version, commit string) {
	serviceInfo.Reset()
	serviceInfo.WithLabelValues(service, version, commit).Set(1)
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RED metrics for every request passing through next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "transmissions", "batches", "breakers", "rate-limits":
	default:
		return raw
	}
	if parts[1] == "batches" && parts[2] == "metrics" {
		return raw
	}
	switch len(parts) {
	case 3:
		parts[2] = ":id"
	case 4:
		parts[2] = ":id"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
