package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics the replay engine exposes.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Counters
	CommandsTotal       *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	ClassifiedErrors    *prometheus.CounterVec
	TracingEventsTotal  *prometheus.CounterVec
	ConnectionOpenTotal *prometheus.CounterVec

	// Gauges
	ActiveWorkers *prometheus.GaugeVec
	QueueDepth    *prometheus.GaugeVec

	// Histograms
	CommandDuration         *prometheus.HistogramVec
	ConnectionAcquireLatency *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance, registering all collectors on reg.
// Pass prometheus.NewRegistry() for an isolated registry, e.g. in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	var gatherer prometheus.Gatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}
	return &Metrics{
		gatherer: gatherer,
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgreplay_commands_total",
				Help: "Total number of commands replayed, by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgreplay_retries_total",
				Help: "Total number of retries issued, by classification",
			},
			[]string{"classification"},
		),
		ClassifiedErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgreplay_classified_errors_total",
				Help: "Total number of errors observed, by classification and sqlstate",
			},
			[]string{"classification", "sqlstate"},
		),
		TracingEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgreplay_tracing_events_total",
				Help: "Total number of out-of-band tracing events raised, by event id and outcome",
			},
			[]string{"event_id", "status"},
		),
		ConnectionOpenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgreplay_connection_open_total",
				Help: "Total number of connection opens/reopens performed by connection managers",
			},
			[]string{"database", "status"},
		),

		ActiveWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgreplay_active_workers",
				Help: "Number of live per-session workers",
			},
			[]string{},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgreplay_queue_depth",
				Help: "Number of commands queued per worker",
			},
			[]string{"session"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgreplay_command_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18), // 0.5ms to ~65s
			},
			[]string{"kind"},
		),
		ConnectionAcquireLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgreplay_connection_acquire_duration_seconds",
				Help:    "Time to open or switch a worker's connection, in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"database"},
		),
	}
}

// DefaultMetrics creates a new Metrics instance registered on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// Gatherer returns the registry this instance's collectors are registered
// on, for wiring into NewMetricsServer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

// RecordCommand records one replayed command's outcome and latency.
func (m *Metrics) RecordCommand(kind, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind, status).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordRetry records one retry attempt for the given classification.
func (m *Metrics) RecordRetry(classification string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(classification).Inc()
}

// RecordClassifiedError records one classified failure.
func (m *Metrics) RecordClassifiedError(classification, sqlstate string) {
	if m == nil {
		return
	}
	m.ClassifiedErrors.WithLabelValues(classification, sqlstate).Inc()
}

// RecordTracingEvent records the outcome of an out-of-band tracing emission.
func (m *Metrics) RecordTracingEvent(eventID string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.TracingEventsTotal.WithLabelValues(eventID, status).Inc()
}

// RecordConnectionOpen records a connection open/reopen and its latency.
func (m *Metrics) RecordConnectionOpen(database string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ConnectionOpenTotal.WithLabelValues(database, status).Inc()
	m.ConnectionAcquireLatency.WithLabelValues(database).Observe(durationSeconds)
}

// SetActiveWorkers reports the current live-worker count.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues().Set(float64(n))
}

// SetQueueDepth reports one session's current queue depth.
func (m *Metrics) SetQueueDepth(session string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(session).Set(float64(depth))
}
