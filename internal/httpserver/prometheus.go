package httpserver

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/amdgpu-sampler/internal/gpu"
	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
)

const metricsNamespace = "amdgpu_sampler"

// sensorCollector exports the latest reading of every registered metric
// without draining it.
type sensorCollector struct {
	plugin  *plugin.Plugin
	engine  *sampler.Engine
	devices []gpu.Info

	value *prometheus.Desc
	info  *prometheus.Desc
}

func newSensorCollector(devices []gpu.Info, plug *plugin.Plugin, engine *sampler.Engine) prometheus.Collector {
	if plug == nil || engine == nil {
		return nil
	}

	return &sensorCollector{
		plugin:  plug,
		engine:  engine,
		devices: append([]gpu.Info(nil), devices...),
		value: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "sensor", "value"),
			"Most recent reading of a registered sensor, in the sensor's unit.",
			[]string{"device", "sensor", "unit"},
			nil,
		),
		info: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "device", "info"),
			"Discovered GPU devices.",
			[]string{"device", "card", "pci", "pci_id", "name"},
			nil,
		),
	}
}

func (c *sensorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.info
}

func (c *sensorCollector) Collect(ch chan<- prometheus.Metric) {
	for index, info := range c.devices {
		ch <- prometheus.MustNewConstMetric(
			c.info,
			prometheus.GaugeValue,
			1,
			strconv.Itoa(index), info.ID, info.PCI, info.PCIID, info.Name,
		)
	}

	for _, metric := range c.plugin.Metrics() {
		reading, ok := c.engine.Latest(metric.ID)
		if !ok {
			continue
		}
		ch <- prometheus.NewMetricWithTimestamp(reading.Time, prometheus.MustNewConstMetric(
			c.value,
			prometheus.GaugeValue,
			reading.Value,
			strconv.FormatUint(uint64(metric.ID.Device), 10), metric.ID.Name(), metric.Unit,
		))
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.engine != nil {
		collectors = append(collectors, s.engine)
	}
	if sensors := newSensorCollector(s.devices, s.plugin, s.engine); sensors != nil {
		collectors = append(collectors, sensors)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
