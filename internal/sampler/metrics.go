package sampler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "amdgpu_sampler"

var _ prometheus.Collector = (*Engine)(nil)

type engineMetrics struct {
	samples      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	overruns     prometheus.Counter
	tickDuration prometheus.Histogram
	pending      *prometheus.Desc
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "samples_total",
			Help:      "Number of readings appended per sensor.",
		}, []string{"device", "sensor"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "read_failures_total",
			Help:      "Number of sensor reads skipped because the hardware query failed.",
		}, []string{"device", "sensor"}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tick_overruns_total",
			Help:      "Number of sampling slots skipped because a tick overran its interval.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent reading all sensors in one tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "pending_readings"),
			"Readings buffered for a sensor and not yet drained.",
			[]string{"device", "sensor"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Engine) Describe(ch chan<- *prometheus.Desc) {
	e.metrics.samples.Describe(ch)
	e.metrics.failures.Describe(ch)
	e.metrics.overruns.Describe(ch)
	e.metrics.tickDuration.Describe(ch)
	ch <- e.metrics.pending
}

// Collect implements prometheus.Collector.
func (e *Engine) Collect(ch chan<- prometheus.Metric) {
	e.metrics.samples.Collect(ch)
	e.metrics.failures.Collect(ch)
	e.metrics.overruns.Collect(ch)
	e.metrics.tickDuration.Collect(ch)

	e.mu.Lock()
	pending := make([]prometheus.Metric, 0, len(e.order))
	for _, h := range e.order {
		pending = append(pending, prometheus.MustNewConstMetric(
			e.metrics.pending,
			prometheus.GaugeValue,
			float64(len(e.series[h].readings)),
			deviceLabel(h), h.Name(),
		))
	}
	e.mu.Unlock()

	for _, m := range pending {
		ch <- m
	}
}
