package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks gateway activity per endpoint.
type Metrics struct {
	calls      *prometheus.CounterVec
	retries    *prometheus.CounterVec
	dedup      *prometheus.CounterVec
	saturated  *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	delay      *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns metrics registered once on the default registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics creates and registers gateway metrics. Panics on
// duplicate registration. A nil registerer skips registration.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_gateway_calls_total",
			Help: "Dispatched gateway calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_gateway_retries_total",
			Help: "Retries performed after retryable failures.",
		}, []string{"endpoint"}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_gateway_deduplicated_total",
			Help: "Callers served by a shared in-flight dispatch.",
		}, []string{"endpoint"}),
		saturated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_gateway_saturated_total",
			Help: "Calls rejected because the endpoint queue was full.",
		}, []string{"endpoint"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_gateway_queue_depth",
			Help: "Outstanding calls per endpoint.",
		}, []string{"endpoint"}),
		delay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_gateway_delay_seconds",
			Help: "Current adaptive inter-call delay.",
		}, []string{"endpoint"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_gateway_call_duration_seconds",
			Help:    "Upstream call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint"}),
	}

	if reg != nil {
		reg.MustRegister(m.calls, m.retries, m.dedup, m.saturated, m.queueDepth, m.delay, m.duration)
	}
	return m
}

func (m *Metrics) observeCall(endpoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(endpoint, outcome).Inc()
	m.duration.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) incRetry(endpoint string) {
	if m != nil {
		m.retries.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) incDedup(endpoint string) {
	if m != nil {
		m.dedup.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) incSaturated(endpoint string) {
	if m != nil {
		m.saturated.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) setQueueDepth(endpoint string, n int64) {
	if m != nil {
		m.queueDepth.WithLabelValues(endpoint).Set(float64(n))
	}
}

func (m *Metrics) setDelay(endpoint string, seconds float64) {
	if m != nil {
		m.delay.WithLabelValues(endpoint).Set(seconds)
	}
}
