package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts RPC traffic for one invocation. It uses a private registry
// so it can be written out as a node-exporter textfile on exit.
type Metrics struct {
	registry   *prometheus.Registry
	calls      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	batchSize  prometheus.Histogram
	retries    prometheus.Counter
	reauthed   prometheus.Counter
	lastResult prometheus.Gauge
}

// NewMetrics creates and registers the client metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubctl",
			Name:      "rpc_calls_total",
			Help:      "RPC requests sent to the hub, by method and outcome",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hubctl",
			Name:      "rpc_duration_seconds",
			Help:      "RPC round-trip latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"method"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hubctl",
			Name:      "multicall_batch_size",
			Help:      "Calls carried per multicall envelope",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hubctl",
			Name:      "rpc_retries_total",
			Help:      "RPC requests repeated after a transient failure",
		}),
		reauthed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hubctl",
			Name:      "reauthentications_total",
			Help:      "Logins repeated after the session expired",
		}),
		lastResult: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hubctl",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the metrics were written",
		}),
	}
	m.registry.MustRegister(m.calls, m.latency, m.batchSize, m.retries, m.reauthed, m.lastResult)
	return m
}

func (m *Metrics) observeCall(method string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) observeBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) reauthenticated() {
	if m != nil {
		m.reauthed.Inc()
	}
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	m.lastResult.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, m.registry)
}

// Gatherer exposes the metrics registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
