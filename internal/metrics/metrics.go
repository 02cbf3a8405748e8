package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics records HTTP traffic and pipeline invocations. It implements
// pipeline.Recorder.
type PipelineMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	stageDuration      *prometheus.HistogramVec
	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	confidence         prometheus.Histogram
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "invoice",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: constLabels,
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "invoice",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "invoice",
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "invoice",
			Subsystem:   "pipeline",
			Name:        "stage_duration_seconds",
			Help:        "Duration of each pipeline stage in seconds.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	invocationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "invoice",
			Subsystem:   "pipeline",
			Name:        "invocations_total",
			Help:        "Total pipeline invocations by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	invocationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "invoice",
			Subsystem:   "pipeline",
			Name:        "invocation_duration_seconds",
			Help:        "Pipeline invocation duration in seconds by outcome.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	confidence := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "invoice",
			Subsystem:   "pipeline",
			Name:        "processing_confidence",
			Help:        "Distribution of processing confidence for finished invocations.",
			Buckets:     []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		stageDuration,
		invocationTotal,
		invocationDuration,
		confidence,
	)

	return &PipelineMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		stageDuration:      stageDuration,
		invocationTotal:    invocationTotal,
		invocationDuration: invocationDuration,
		confidence:         confidence,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) ObserveInvocation(outcome string, d time.Duration, confidence float64) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.invocationTotal.WithLabelValues(outcome).Inc()
	m.invocationDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome != "error" {
		m.confidence.Observe(confidence)
	}
}

func (m *PipelineMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps ids out of label values
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/status/"):
		return "/api/status/{task_id}"
	case strings.HasPrefix(path, "/api/invoices/") && strings.HasSuffix(path, "/corrections"):
		return "/api/invoices/{hash}/corrections"
	case strings.HasPrefix(path, "/api/invoices/"):
		return "/api/invoices/{hash}"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
