package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Storyboard.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Story metrics
	storyOperations *prometheus.CounterVec
	stories         prometheus.Gauge

	// Database file metrics
	swaps           *prometheus.CounterVec
	swapDuration    prometheus.Histogram
	exports         *prometheus.CounterVec
	externalChanges prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		storyOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "story_operations_total",
				Help:      "Total number of story operations by operation and result",
			},
			[]string{"op", "result"},
		),
		stories: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stories",
				Help:      "Number of stories in the active database at last observation",
			},
		),

		swaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_swaps_total",
				Help:      "Total number of database file replacements by result",
			},
			[]string{"result"},
		),
		swapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_swap_duration_seconds",
				Help:      "Duration of database file replacements in seconds",
				Buckets:   buckets,
			},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_exports_total",
				Help:      "Total number of database exports by result",
			},
			[]string{"result"},
		),
		externalChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_external_changes_total",
				Help:      "Total number of changes to the active database file made outside the application",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.storyOperations,
		m.stories,
		m.swaps,
		m.swapDuration,
		m.exports,
		m.externalChanges,
		m.httpRequests,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordStoryOperation records the outcome of a story operation.
func (m *Metrics) RecordStoryOperation(op string, err error) {
	if m == nil || m.storyOperations == nil {
		return
	}
	m.storyOperations.WithLabelValues(op, resultLabel(err)).Inc()
}

// SetStoryCount sets the current number of stories.
func (m *Metrics) SetStoryCount(count int) {
	if m == nil || m.stories == nil {
		return
	}
	m.stories.Set(float64(count))
}

// RecordSwap records a database replacement and its duration.
func (m *Metrics) RecordSwap(result string, duration time.Duration) {
	if m == nil || m.swaps == nil {
		return
	}
	m.swaps.WithLabelValues(result).Inc()
	m.swapDuration.Observe(duration.Seconds())
}

// RecordExport records a database export.
func (m *Metrics) RecordExport(err error) {
	if m == nil || m.exports == nil {
		return
	}
	m.exports.WithLabelValues(resultLabel(err)).Inc()
}

// RecordExternalChange records a change to the database file made by another process.
func (m *Metrics) RecordExternalChange() {
	if m == nil || m.externalChanges == nil {
		return
	}
	m.externalChanges.Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, code string, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
