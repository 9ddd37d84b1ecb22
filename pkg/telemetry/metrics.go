package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for setup requests. All record methods
// are safe to call on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsStarted   *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec

	// Machine metrics
	machinesCompleted *prometheus.CounterVec
	machineDuration   *prometheus.HistogramVec

	// Task metrics
	taskAttempts   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksCompleted *prometheus.CounterVec
	taskRetries    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRequests prometheus.Gauge
	activeMachines prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		requestsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_started_total",
				Help:      "Total number of setup request runs started",
			},
			[]string{"resumed"},
		),
		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total number of setup requests reaching a terminal status",
			},
			[]string{"status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Wall-clock duration of setup request runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		machinesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "machines_completed_total",
				Help:      "Total number of machines reaching a terminal status",
			},
			[]string{"status"},
		),
		machineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "machine_duration_seconds",
				Help:      "Duration of machine runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		taskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total number of action invocations by outcome class",
			},
			[]string{"task", "class"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempt_duration_seconds",
				Help:      "Duration of single action invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks reaching a terminal status",
			},
			[]string{"task", "status"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of scheduled task retries",
			},
			[]string{"task", "class"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Current number of running setup requests",
			},
		),
		activeMachines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_machines",
				Help:      "Current number of machines being set up",
			},
		),
	}

	registry.MustRegister(
		m.requestsStarted,
		m.requestsCompleted,
		m.requestDuration,
		m.machinesCompleted,
		m.machineDuration,
		m.taskAttempts,
		m.taskDuration,
		m.tasksCompleted,
		m.taskRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRequests,
		m.activeMachines,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Request Metrics

// RecordRequestStarted increments the counter for started request runs.
func (m *Metrics) RecordRequestStarted(resumed bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if resumed {
		label = "true"
	}
	m.requestsStarted.WithLabelValues(label).Inc()
	m.activeRequests.Inc()
}

// RecordRequestCompleted records a finished request run with its status and duration.
func (m *Metrics) RecordRequestCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.requestsCompleted.WithLabelValues(status).Inc()
	m.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRequests.Dec()
}

// RecordRequestInterrupted releases the active gauge for a run that stopped
// without reaching a terminal status.
func (m *Metrics) RecordRequestInterrupted() {
	if !m.enabled() {
		return
	}
	m.activeRequests.Dec()
}

// Machine Metrics

// RecordMachineStarted marks a machine run as active.
func (m *Metrics) RecordMachineStarted() {
	if !m.enabled() {
		return
	}
	m.activeMachines.Inc()
}

// RecordMachineCompleted records a finished machine run.
func (m *Metrics) RecordMachineCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activeMachines.Dec()
	if status == "" {
		return
	}
	m.machinesCompleted.WithLabelValues(status).Inc()
	m.machineDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Task Metrics

// RecordTaskAttempt records one action invocation. class is empty on success.
func (m *Metrics) RecordTaskAttempt(task, class string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	if class == "" {
		class = "ok"
	}
	m.taskAttempts.WithLabelValues(task, class).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordTaskCompleted records a task reaching a terminal status.
func (m *Metrics) RecordTaskCompleted(task, status string) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(task, status).Inc()
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(task, class string) {
	if !m.enabled() {
		return
	}
	m.taskRetries.WithLabelValues(task, class).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
