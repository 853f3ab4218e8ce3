package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	stateTransitions *prometheus.CounterVec

	wireCalls    *prometheus.HistogramVec
	syncItems    *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec

	startAttempts *prometheus.CounterVec
	probes        *prometheus.CounterVec
	teardowns     *prometheus.CounterVec

	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheus creates a new Prometheus metrics collector
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "albatross"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Total number of connection state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pc.wireCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wire_call_duration_seconds",
			Help:      "Duration of injection server requests",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"verb", "status"},
	)

	pc.syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Total number of plugins reconciled, by outcome",
		},
		[]string{"outcome"},
	)

	pc.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of registry reconciliation passes",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"conflict", "status"},
	)

	pc.startAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_start_attempts_total",
			Help:      "Total number of server start attempts",
		},
		[]string{"ready"},
	)

	pc.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_readiness_probes_total",
			Help:      "Total number of readiness probes during server start",
		},
		[]string{"ok"},
	)

	pc.teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_teardowns_total",
			Help:      "Total number of dropped server connections",
		},
		[]string{"reason"},
	)

	pc.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_queue_depth",
			Help:      "Current depth of the control-plane work queue",
		},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.wireCalls,
		pc.syncItems,
		pc.syncDuration,
		pc.startAttempts,
		pc.probes,
		pc.teardowns,
		pc.queueDepth,
	)

	return pc
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// StateTransition records a state transition
func (pc *PrometheusCollector) StateTransition(fromState, toState string) {
	pc.stateTransitions.WithLabelValues(fromState, toState).Inc()
}

// WireCall records a server request
func (pc *PrometheusCollector) WireCall(verb string, duration time.Duration, err error) {
	pc.wireCalls.WithLabelValues(verb, status(err)).Observe(duration.Seconds())
}

// SyncItem records one reconciled plugin
func (pc *PrometheusCollector) SyncItem(outcome string) {
	pc.syncItems.WithLabelValues(outcome).Inc()
}

// SyncDuration records a reconciliation pass
func (pc *PrometheusCollector) SyncDuration(duration time.Duration, conflict bool, err error) {
	pc.syncDuration.WithLabelValues(strconv.FormatBool(conflict), status(err)).Observe(duration.Seconds())
}

// StartAttempt records a server start attempt
func (pc *PrometheusCollector) StartAttempt(ready bool) {
	pc.startAttempts.WithLabelValues(strconv.FormatBool(ready)).Inc()
}

// ReadinessProbe records a readiness probe
func (pc *PrometheusCollector) ReadinessProbe(ok bool) {
	pc.probes.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// Teardown records a dropped connection
func (pc *PrometheusCollector) Teardown(reason string) {
	pc.teardowns.WithLabelValues(reason).Inc()
}

// WorkQueueDepth records the current work queue depth
func (pc *PrometheusCollector) WorkQueueDepth(depth int) {
	pc.queueDepth.Set(float64(depth))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
