package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline activity.
type Metrics struct {
	runs        *prometheus.CounterVec
	items       *prometheus.CounterVec
	attempts    prometheus.Counter
	rejections  *prometheus.CounterVec
	replans     *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	runDuration prometheus.Histogram
	stageTime   *prometheus.HistogramVec
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

// MustNewMetrics creates and registers pipeline metrics. Panics on
// duplicate registration. A nil registerer skips registration.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Finished runs by terminal status.",
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_items_total",
			Help: "Work items reaching a terminal status.",
		}, []string{"status"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_item_attempts_total",
			Help: "Tool-call planning attempts started.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_validation_rejections_total",
			Help: "Tool-call batches rejected by validation stage.",
		}, []string{"stage"}),
		replans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_replans_total",
			Help: "Deep replanning decisions by action.",
		}, []string{"action"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_verifications_total",
			Help: "Verification outcomes by method.",
		}, []string{"method", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Wall time of a run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_stage_duration_seconds",
			Help:    "Time spent per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(m.runs, m.items, m.attempts, m.rejections, m.replans, m.verdicts, m.runDuration, m.stageTime)
	}
	return m
}

func (m *Metrics) observeRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

func (m *Metrics) incItem(status string) {
	if m != nil {
		m.items.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) incAttempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) incRejection(stage string) {
	if m != nil {
		m.rejections.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) incReplan(action string) {
	if m != nil {
		m.replans.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) incVerdict(method, outcome string) {
	if m != nil {
		m.verdicts.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) observeStage(stage string, seconds float64) {
	if m != nil {
		m.stageTime.WithLabelValues(stage).Observe(seconds)
	}
}
