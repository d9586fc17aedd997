package plugin

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/sensor"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/smi/smitest"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
)

func newTestPlugin(t *testing.T, fake *smitest.Fake, opts ...Option) *Plugin {
	t.Helper()

	engine, err := sampler.NewEngine(fake, time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	topo, err := topology.Build(fake, nil)
	require.NoError(t, err)

	p, err := New(engine, fake, topo, nil, opts...)
	require.NoError(t, err)
	return p
}

func twoDeviceFake() *smitest.Fake {
	fake := smitest.New(2)
	for dev := uint32(0); dev < 2; dev++ {
		fake.Set(dev, smitest.SocketPower, 5_000_000)
		fake.Set(dev, smitest.Temp(smi.TempEdge, smi.TempCurrent), 45_000)
		fake.Set(dev, smitest.Energy, 100)
	}
	// Device 1 has no junction sensor.
	fake.Set(0, smitest.Temp(smi.TempJunction, smi.TempCurrent), 50_000)
	return fake
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	engine, err := sampler.NewEngine(fake, time.Second, nil)
	require.NoError(t, err)

	_, err = New(nil, fake, nil, nil)
	require.Error(t, err)
	_, err = New(engine, nil, nil, nil)
	require.Error(t, err)
}

func TestMetricPropertiesSingleSensor(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())

	props := p.MetricProperties("ID0::socket_power")
	require.Equal(t, []MetricProperty{{
		ID:          sensor.New(0, sensor.SocketPower),
		Name:        "ID0::socket_power",
		Description: "Socket Power",
		Unit:        "W",
	}}, props)

	assert.Equal(t, props, p.Metrics())
}

func TestMetricPropertiesWildcardDevice(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())

	props := p.MetricProperties("ID*::junction_temp_current")
	require.Len(t, props, 1, "device 1 does not support the junction sensor")
	assert.Equal(t, "ID0::junction_temp_current", props[0].Name)

	props = p.MetricProperties("ID*::energy_count")
	require.Len(t, props, 2)
	assert.Equal(t, "ID0::energy_count", props[0].Name)
	assert.Equal(t, "ID1::energy_count", props[1].Name)
	assert.True(t, props[0].Accumulated)
	assert.Equal(t, "J", props[1].Unit)
}

func TestMetricPropertiesGlob(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())

	props := p.MetricProperties("ID*::*_temp_current")
	names := make([]string, 0, len(props))
	for _, prop := range props {
		names = append(names, prop.Name)
	}
	assert.Equal(t, []string{
		"ID0::edge_temp_current",
		"ID0::junction_temp_current",
		"ID1::edge_temp_current",
	}, names)
}

func TestMetricPropertiesRejectsBadInput(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())

	assert.Empty(t, p.MetricProperties("socket_power"))
	assert.Empty(t, p.MetricProperties("ID0::warp_core"))
	assert.Empty(t, p.MetricProperties("ID9::socket_power"))
	assert.Empty(t, p.MetricProperties("ID0::fan_speed"), "unsupported sensors are omitted")
	assert.Empty(t, p.Metrics())
}

func TestMetricPropertiesDeviceCountFailure(t *testing.T) {
	t.Parallel()

	fake := twoDeviceFake()
	p := newTestPlugin(t, fake)
	fake.FailNumDevices(smi.StatusBusy)

	assert.Empty(t, p.MetricProperties("ID*::socket_power"))
}

func TestSupportProbeIsCached(t *testing.T) {
	t.Parallel()

	fake := twoDeviceFake()
	p := newTestPlugin(t, fake, WithSupportCacheTTL(time.Hour))

	require.Len(t, p.MetricProperties("ID0::socket_power"), 1)
	require.Len(t, p.MetricProperties("ID0::socket_power"), 1)
	assert.Equal(t, 1, fake.Reads(0, smitest.SocketPower))

	assert.Empty(t, p.MetricProperties("ID0::fan_speed"))
	fake.Set(0, smitest.Fan, 900)
	assert.Empty(t, p.MetricProperties("ID0::fan_speed"), "negative support result is reused within the TTL")
}

func TestSupportProbeExpires(t *testing.T) {
	t.Parallel()

	fake := twoDeviceFake()
	p := newTestPlugin(t, fake, WithSupportCacheTTL(20*time.Millisecond))

	assert.Empty(t, p.MetricProperties("ID0::fan_speed"))
	fake.Set(0, smitest.Fan, 900)

	require.Eventually(t, func() bool {
		return len(p.MetricProperties("ID0::fan_speed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeMetric(t *testing.T) {
	t.Parallel()

	fake := twoDeviceFake()
	fake.SetBusID(0, 0x0300)
	fake.SetBusID(1, 0x0001_0000_0a00)
	p := newTestPlugin(t, fake)

	prop, ok := p.NodeMetric(topology.BusID(0x0001_0000_0a00), "edge_temp_current")
	require.True(t, ok)
	assert.Equal(t, "edge_temp_current", prop.Name)
	assert.Equal(t, "0001:0a:00.0", prop.Node)
	assert.Equal(t, sensor.New(1, sensor.EdgeTempCurrent), prop.ID)

	byNode, ok := p.LookupNode(topology.BusID(0x0001_0000_0a00), prop.Name)
	require.True(t, ok, "node metric must be resolvable by node and bare name")
	assert.Equal(t, prop.ID, byNode)
	_, ok = p.LookupNode(topology.BusID(0x0300), "edge_temp_current")
	assert.False(t, ok, "device 0 sensor was never registered")
	_, ok = p.LookupNode(topology.BusID(0x0400), "edge_temp_current")
	assert.False(t, ok)
	_, ok = p.LookupNode(topology.BusID(0x0001_0000_0a00), "warp_core")
	assert.False(t, ok)

	_, ok = p.NodeMetric(topology.BusID(0x0400), "edge_temp_current")
	assert.False(t, ok, "node without a device")
	_, ok = p.NodeMetric(topology.BusID(0x0300), "warp_core")
	assert.False(t, ok)
	_, ok = p.NodeMetric(topology.BusID(0x0300), "fan_speed")
	assert.False(t, ok)

	h, ok := p.Lookup("ID1::edge_temp_current")
	require.True(t, ok)
	assert.Equal(t, prop.ID, h)
	assert.Equal(t, "ID1::edge_temp_current", p.Metrics()[0].Name)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())
	p.MetricProperties("ID1::socket_power")

	h, ok := p.Lookup("ID1::socket_power")
	require.True(t, ok)
	assert.Equal(t, sensor.New(1, sensor.SocketPower), h)

	_, ok = p.Lookup("ID0::socket_power")
	assert.False(t, ok, "known sensor but never registered")
	_, ok = p.Lookup("garbage")
	assert.False(t, ok)
}

func TestLifecycleAndPull(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, twoDeviceFake())
	props := p.MetricProperties("ID0::socket_power")
	require.Len(t, props, 1)
	id := props[0].ID

	assert.Equal(t, sampler.StateIdle, p.State())
	assert.Equal(t, time.Millisecond, p.Interval())
	require.NoError(t, p.Start())

	var collected []sampler.Reading
	require.Eventually(t, func() bool {
		readings, err := p.Pull(id)
		if err != nil {
			return false
		}
		collected = append(collected, readings...)
		return len(collected) >= 3
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Equal(t, sampler.StateStopped, p.State())
	for _, r := range collected {
		assert.InDelta(t, 5.0, r.Value, 1e-9)
	}

	_, err := p.Pull(sensor.New(1, sensor.FanSpeed))
	var unknown *sampler.UnknownSensorError
	require.True(t, errors.As(err, &unknown))
}
