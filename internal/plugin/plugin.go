// Package plugin exposes the sampler to a measurement framework: metric
// discovery, lifecycle and pull.
package plugin

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/sensor"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
)

const defaultSupportCacheTTL = 30 * time.Second

// MetricProperty describes one registered metric.
type MetricProperty struct {
	ID          sensor.Handle `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Unit        string        `json:"unit"`
	Accumulated bool          `json:"accumulated"`
	// Node is set for metrics registered through a topology node; such
	// metrics are pulled by node and bare name.
	Node string `json:"node,omitempty"`
}

// Option customises a Plugin.
type Option func(*Plugin)

// WithSupportCacheTTL sets how long a support probe result is reused.
func WithSupportCacheTTL(ttl time.Duration) Option {
	return func(p *Plugin) {
		if ttl > 0 {
			p.supportTTL = ttl
		}
	}
}

// Plugin resolves metric requests to sensor handles and forwards them to the
// sampling engine.
type Plugin struct {
	engine     *sampler.Engine
	session    smi.Session
	topo       *topology.Index
	logger     *slog.Logger
	supportTTL time.Duration
	support    *cache.Cache

	mu      sync.RWMutex
	metrics map[sensor.Handle]MetricProperty
}

// New builds a plugin around engine. topo may be nil when topology mode is
// not used.
func New(engine *sampler.Engine, session smi.Session, topo *topology.Index, logger *slog.Logger, opts ...Option) (*Plugin, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Plugin{
		engine:     engine,
		session:    session,
		topo:       topo,
		logger:     logger.With("component", "plugin"),
		supportTTL: defaultSupportCacheTTL,
		metrics:    make(map[sensor.Handle]MetricProperty),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.support = cache.New(p.supportTTL, 2*p.supportTTL)
	return p, nil
}

// MetricProperties resolves query, registers every supported match with the
// engine and returns their properties in handle order. Malformed queries,
// unknown sensors and unsupported sensors are logged and omitted.
func (p *Plugin) MetricProperties(query string) []MetricProperty {
	q, err := ParseQuery(query)
	if err != nil {
		p.logger.Warn("ignoring metric request", "query", query, "err", err)
		return nil
	}

	kinds := q.Kinds()
	if len(kinds) == 0 {
		p.logger.Warn("no sensor matches metric request", "query", query)
		return nil
	}

	count, status := p.session.NumDevices()
	if !status.OK() {
		p.logger.Warn("cannot enumerate devices", "query", query, "status", status.String())
		return nil
	}
	if q.Device != AllDevices && uint32(q.Device) >= count {
		p.logger.Warn("metric request names an absent device", "query", query, "devices", count)
		return nil
	}

	var out []MetricProperty
	for device := uint32(0); device < count; device++ {
		if !q.Matches(device) {
			continue
		}
		for _, kind := range kinds {
			h := sensor.New(device, kind)
			prop, ok := p.register(h, h.String())
			if ok {
				out = append(out, prop)
			}
		}
	}

	if len(out) == 0 {
		p.logger.Warn("metric request matched no supported sensor", "query", query)
	}
	return out
}

// NodeMetric resolves a bare sensor name against a topology node. The
// returned property is named by the catalog name alone.
func (p *Plugin) NodeMetric(bus topology.BusID, sensorName string) (MetricProperty, bool) {
	device, ok := p.topo.Lookup(bus)
	if !ok {
		p.logger.Debug("no device at topology node", "bus_id", bus.String())
		return MetricProperty{}, false
	}
	kind, ok := sensor.KindByName(sensorName)
	if !ok {
		p.logger.Warn("unknown sensor for topology node", "bus_id", bus.String(), "sensor", sensorName)
		return MetricProperty{}, false
	}
	prop, ok := p.register(sensor.New(device, kind), sensorName)
	if ok {
		prop.Node = bus.String()
	}
	return prop, ok
}

// Metrics lists every registered metric in handle order.
func (p *Plugin) Metrics() []MetricProperty {
	p.mu.RLock()
	out := make([]MetricProperty, 0, len(p.metrics))
	for _, prop := range p.metrics {
		out = append(out, prop)
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b MetricProperty) int {
		return cmp.Or(a.ID.Compare(b.ID), cmp.Compare(a.Name, b.Name))
	})
	return out
}

// Lookup resolves a flat metric name to a registered handle.
func (p *Plugin) Lookup(name string) (sensor.Handle, bool) {
	h, err := ParseName(name)
	if err != nil {
		return sensor.Handle{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.metrics[h]
	return h, ok
}

// LookupNode resolves a bare sensor name on a topology node to a registered
// handle.
func (p *Plugin) LookupNode(bus topology.BusID, sensorName string) (sensor.Handle, bool) {
	device, ok := p.topo.Lookup(bus)
	if !ok {
		return sensor.Handle{}, false
	}
	kind, ok := sensor.KindByName(sensorName)
	if !ok {
		return sensor.Handle{}, false
	}
	h := sensor.New(device, kind)
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok = p.metrics[h]
	return h, ok
}

// Start begins sampling.
func (p *Plugin) Start() error {
	return p.engine.Start()
}

// Stop ends sampling.
func (p *Plugin) Stop() error {
	return p.engine.Stop()
}

// Pull returns the readings collected for id since the previous pull.
func (p *Plugin) Pull(id sensor.Handle) ([]sampler.Reading, error) {
	return p.engine.Drain(id)
}

// State reports the engine state.
func (p *Plugin) State() sampler.State {
	return p.engine.State()
}

// Interval reports the sampling interval.
func (p *Plugin) Interval() time.Duration {
	return p.engine.Interval()
}

func (p *Plugin) register(h sensor.Handle, name string) (MetricProperty, bool) {
	if !p.supported(h) {
		p.logger.Debug("sensor not supported", "sensor", h.String())
		return MetricProperty{}, false
	}
	if err := p.engine.AddSensor(h); err != nil {
		p.logger.Warn("failed to register sensor", "sensor", h.String(), "err", err)
		return MetricProperty{}, false
	}

	props := h.Properties()
	prop := MetricProperty{
		ID:          h,
		Name:        name,
		Description: props.Description,
		Unit:        props.Unit,
		Accumulated: props.Accumulated,
	}

	p.mu.Lock()
	if _, ok := p.metrics[h]; !ok {
		p.metrics[h] = MetricProperty{
			ID:          h,
			Name:        h.String(),
			Description: props.Description,
			Unit:        props.Unit,
			Accumulated: props.Accumulated,
		}
	}
	p.mu.Unlock()

	return prop, true
}

func (p *Plugin) supported(h sensor.Handle) bool {
	key := h.String()
	if cached, found := p.support.Get(key); found {
		ok, _ := cached.(bool)
		return ok
	}
	ok := p.engine.Supported(h)
	p.support.Set(key, ok, cache.DefaultExpiration)
	return ok
}
