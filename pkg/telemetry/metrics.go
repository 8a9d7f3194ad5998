package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
)

// Metrics provides Prometheus metrics for the scheduler and the deployment
// facade. A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	operationsSubmitted *prometheus.CounterVec
	operationsStarted   *prometheus.CounterVec
	operationsFinished  *prometheus.CounterVec
	operationsCancelled *prometheus.CounterVec
	operationsAbandoned *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	queueWait           *prometheus.HistogramVec

	admissions *prometheus.CounterVec

	activeWorkers prometheus.Gauge
	liveQueues    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_submitted_total",
				Help:      "Total number of operations accepted into a queue",
			},
			[]string{"kind"},
		),
		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations handed to their action",
			},
			[]string{"kind"},
		),
		operationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of operations finished, by outcome",
			},
			[]string{"kind", "outcome"},
		),
		operationsCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_cancelled_total",
				Help:      "Total number of queued operations cancelled before starting",
			},
			[]string{"kind"},
		),
		operationsAbandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_abandoned_total",
				Help:      "Total number of orphaned operations closed by an operator",
			},
			[]string{"kind"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation actions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_queue_wait_seconds",
				Help:      "Time operations spent queued before starting",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"kind", "decision"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of queue workers",
			},
		),
		liveQueues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_queues",
				Help:      "Current number of resource queues held by the registry",
			},
		),
	}

	registry.MustRegister(
		m.operationsSubmitted,
		m.operationsStarted,
		m.operationsFinished,
		m.operationsCancelled,
		m.operationsAbandoned,
		m.operationDuration,
		m.queueWait,
		m.admissions,
		m.activeWorkers,
		m.liveQueues,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// OperationSubmitted implements scheduler.Observer.
func (m *Metrics) OperationSubmitted(rec *operation.Record) {
	if !m.enabled() {
		return
	}
	m.operationsSubmitted.WithLabelValues(string(rec.Kind)).Inc()
}

// OperationStarted implements scheduler.Observer.
func (m *Metrics) OperationStarted(rec *operation.Record, waited time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(string(rec.Kind)).Inc()
	m.queueWait.WithLabelValues(string(rec.Kind)).Observe(waited.Seconds())
}

// OperationFinished implements scheduler.Observer.
func (m *Metrics) OperationFinished(rec *operation.Record, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsFinished.WithLabelValues(string(rec.Kind), string(rec.Outcome)).Inc()
	m.operationDuration.WithLabelValues(string(rec.Kind)).Observe(took.Seconds())
}

// OperationsCancelled implements scheduler.Observer.
func (m *Metrics) OperationsCancelled(resourceID int64, recs []*operation.Record) {
	if !m.enabled() {
		return
	}
	for _, rec := range recs {
		m.operationsCancelled.WithLabelValues(string(rec.Kind)).Inc()
	}
}

// OperationAbandoned implements scheduler.Observer.
func (m *Metrics) OperationAbandoned(rec *operation.Record) {
	if !m.enabled() {
		return
	}
	m.operationsAbandoned.WithLabelValues(string(rec.Kind)).Inc()
}

// WorkerStarted implements scheduler.Observer.
func (m *Metrics) WorkerStarted(resourceID int64) {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerStopped implements scheduler.Observer.
func (m *Metrics) WorkerStopped(resourceID int64) {
	if !m.enabled() {
		return
	}
	m.activeWorkers.Dec()
}

// QueuesChanged implements scheduler.Observer.
func (m *Metrics) QueuesChanged(live int) {
	if !m.enabled() {
		return
	}
	m.liveQueues.Set(float64(live))
}

// AdmissionDecided implements deployment.Observer.
func (m *Metrics) AdmissionDecided(kind operation.Kind, accepted bool) {
	if !m.enabled() {
		return
	}
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.admissions.WithLabelValues(string(kind), decision).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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

// StartMetricsServer serves the metrics on their own listen address. It
// returns nil when metrics are disabled or served by the API server only.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
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
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}

var (
	_ scheduler.Observer  = (*Metrics)(nil)
	_ deployment.Observer = (*Metrics)(nil)
)
