// Package metrics exposes the reconciler's Prometheus counters. All methods
// are safe on a nil *Registry so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry          *prometheus.Registry
	reconcileTotal    *prometheus.CounterVec
	adapterFaults     *prometheus.CounterVec
	storageFaults     *prometheus.CounterVec
	connectAttempts   *prometheus.CounterVec
	signalsTotal      *prometheus.CounterVec
	providerConnected *prometheus.GaugeVec
	reconcileSeconds  prometheus.Histogram
}

func New() *Registry {
	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_reconcile_cycles_total",
		Help: "Reconcile cycles by outcome",
	}, []string{"result"})

	adapterFaults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_adapter_faults_total",
		Help: "Unexpected provider adapter failures",
	}, []string{"provider"})

	storageFaults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_storage_faults_total",
		Help: "Session storage failures recovered locally",
	}, []string{"op"})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_connect_attempts_total",
		Help: "Connect flows by terminal status",
	}, []string{"status"})

	signals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_external_signals_total",
		Help: "External reconcile triggers received",
	}, []string{"source"})

	connected := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletsync_provider_connected",
		Help: "1 when the provider reported a valid connection in the last published state",
	}, []string{"provider"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "walletsync_reconcile_duration_seconds",
		Help:    "Wall time of one reconcile cycle",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	r := prometheus.NewRegistry()
	r.MustRegister(reconcile, adapterFaults, storageFaults, connects, signals, connected, duration)

	return &Registry{
		registry:          r,
		reconcileTotal:    reconcile,
		adapterFaults:     adapterFaults,
		storageFaults:     storageFaults,
		connectAttempts:   connects,
		signalsTotal:      signals,
		providerConnected: connected,
		reconcileSeconds:  duration,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

func (m *Registry) ObserveReconcile(seconds float64) {
	if m == nil {
		return
	}
	m.reconcileSeconds.Observe(seconds)
}

func (m *Registry) IncAdapterFault(provider string) {
	if m == nil {
		return
	}
	m.adapterFaults.WithLabelValues(provider).Inc()
}

func (m *Registry) IncStorageFault(op string) {
	if m == nil {
		return
	}
	m.storageFaults.WithLabelValues(op).Inc()
}

func (m *Registry) IncConnect(status string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(status).Inc()
}

func (m *Registry) IncSignal(source string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(source).Inc()
}

func (m *Registry) SetConnected(provider string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.providerConnected.WithLabelValues(provider).Set(v)
}
