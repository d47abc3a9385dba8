package http

import (
	"strconv"
	"sync"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgeos.build/internal/core/domain"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forged_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forged_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Build request metrics
	requestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forged_build_requests_submitted_total",
			Help: "Total number of submitted build requests by origin",
		},
		[]string{"origin"},
	)

	requestsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forged_build_requests_terminal_total",
			Help: "Total number of terminal build requests by status",
		},
		[]string{"status"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forged_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"kind"},
	)

	// Agent pool metrics
	agentInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forged_agent_instances",
			Help: "Live agent instances per template and state",
		},
		[]string{"template", "state"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forged_queue_depth",
			Help: "Number of build requests waiting in queue",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordRequestSubmitted(origin string) {
	requestsSubmitted.WithLabelValues(origin).Inc()
}

func RecordRequestTerminal(status string) {
	requestsTerminal.WithLabelValues(status).Inc()
}

func RecordStageDuration(kind string, duration time.Duration) {
	stageDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

var (
	agentPairsMu sync.Mutex
	agentPairs   = make(map[[2]string]bool)
)

// SampleAgentInstances replaces the instance gauges with the given pool
// snapshot. Pairs seen in an earlier sample but absent now are zeroed so
// destroyed instances never linger in the gauge.
func SampleAgentInstances(instances []domain.AgentInstance) {
	counts := make(map[[2]string]int)
	for _, inst := range instances {
		counts[[2]string{inst.Template.String(), string(inst.State)}]++
	}

	agentPairsMu.Lock()
	defer agentPairsMu.Unlock()

	for pair := range agentPairs {
		if _, ok := counts[pair]; !ok {
			agentInstances.WithLabelValues(pair[0], pair[1]).Set(0)
			delete(agentPairs, pair)
		}
	}
	for pair, n := range counts {
		agentInstances.WithLabelValues(pair[0], pair[1]).Set(float64(n))
		agentPairs[pair] = true
	}
}

// SetQueueDepth sets the current queue depth
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}
