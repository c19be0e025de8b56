package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the execution service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepDuration      *prometheus.HistogramVec
	QueueWait         prometheus.Histogram
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	QueuedExecutions  prometheus.Gauge
	Rejections        *prometheus.CounterVec
	Timeouts          *prometheus.CounterVec
	TruncatedOutputs  *prometheus.CounterVec
	OOMKills          *prometheus.CounterVec
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "executions_total",
				Help:      "Executions by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "execution_duration_seconds",
				Help:      "Wall time of whole executions, queue wait excluded.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "step_duration_seconds",
				Help:      "Wall time of compile and run steps.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"language", "stage"},
		),

		QueueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "queue_wait_seconds",
				Help:      "Time submissions spent waiting for a worker.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "execution_errors_total",
				Help:      "Submissions that ended in an error, by kind.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Name:      "active_executions",
				Help:      "Executions currently held by a worker.",
			},
		),

		QueuedExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Name:      "queued_executions",
				Help:      "Submissions waiting for a worker.",
			},
		),

		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "rejections_total",
				Help:      "Submissions refused admission, by reason.",
			},
			[]string{"reason"},
		),

		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "timeouts_total",
				Help:      "Steps killed for exceeding their time limit.",
			},
			[]string{"language", "stage"},
		),

		TruncatedOutputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "truncated_outputs_total",
				Help:      "Steps killed for exceeding their output cap.",
			},
			[]string{"language"},
		),

		OOMKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "oom_kills_total",
				Help:      "Steps killed by the memory limit.",
			},
			[]string{"language"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "security_events_total",
				Help:      "Suspicious patterns seen in submitted code or output.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "output_size_bytes",
				Help:      "Captured stdout plus stderr of run steps in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepDuration,
		m.QueueWait,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.QueuedExecutions,
		m.Rejections,
		m.Timeouts,
		m.TruncatedOutputs,
		m.OOMKills,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.RequestsTotal,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// RecordStep records one compile or run step.
func (m *Metrics) RecordStep(language, stage string, d time.Duration, timedOut, truncated, oom bool) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(language, stage).Observe(d.Seconds())
	if timedOut {
		m.Timeouts.WithLabelValues(language, stage).Inc()
	}
	if truncated {
		m.TruncatedOutputs.WithLabelValues(language).Inc()
	}
	if oom {
		m.OOMKills.WithLabelValues(language).Inc()
	}
}

func (m *Metrics) RecordQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(d.Seconds())
}

// RecordRejection counts a submission answered Busy.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordCodeSize(n int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(n))
}

func (m *Metrics) RecordOutputSize(n int) {
	if m == nil {
		return
	}
	m.OutputSizeBytes.Observe(float64(n))
}

// SetLoad mirrors the dispatcher's counters.
func (m *Metrics) SetLoad(active, queued int64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Set(float64(active))
	m.QueuedExecutions.Set(float64(queued))
}
