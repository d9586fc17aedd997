package sensor

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/smi/smitest"
)

func TestReadScalesRawValues(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.Set(0, smitest.SocketPower, 5_000_000)
	fake.Set(0, smitest.Temp(smi.TempEdge, smi.TempCurrent), 45_000)

	power, err := New(0, SocketPower).Read(fake)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, power, 1e-12)

	temp, err := New(0, EdgeTempCurrent).Read(fake)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, temp, 1e-12)
}

func TestReadAllKinds(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.SetEnergyResolution(15.3)
	fake.Set(0, smitest.AveragePower, 120_500_000)
	fake.Set(0, smitest.Energy, 1_000_000)
	fake.Set(0, smitest.MemVRAM, 1<<30)
	fake.Set(0, smitest.MemVisVRAM, 1<<20)
	fake.Set(0, smitest.MemGTT, 4096)
	fake.Set(0, smitest.MemBusy, 31)
	fake.Set(0, smitest.Fan, 1200)
	fake.Set(0, smitest.Temp(smi.TempJunction, smi.TempCurrent), 52_500)
	fake.Set(0, smitest.Temp(smi.TempMemory, smi.TempCurrent), 60_000)
	fake.Set(0, smitest.Temp(smi.TempHBM0, smi.TempCurrent), 61_000)
	fake.Set(0, smitest.Temp(smi.TempHBM1, smi.TempCurrent), 62_000)
	fake.Set(0, smitest.Temp(smi.TempHBM2, smi.TempCurrent), 63_000)
	fake.Set(0, smitest.Temp(smi.TempHBM3, smi.TempCurrent), 64_000)
	fake.Set(0, smitest.Volt(smi.VoltVddgfx, smi.VoltCurrent), 850)
	fake.Set(0, smitest.Volt(smi.VoltVddgfx, smi.VoltAverage), 900)
	fake.Set(0, smitest.Busy, 47)

	expected := map[Kind]float64{
		AveragePower:        120.5,
		EnergyCount:         1_000_000 * float64(float32(15.3)) * 1e-6,
		MemoryUsageVRAM:     1 << 30,
		MemoryUsageVisVRAM:  1 << 20,
		MemoryUsageGTT:      4096,
		MemoryBusy:          31,
		FanSpeed:            1200,
		JunctionTempCurrent: 52.5,
		MemoryTempCurrent:   60,
		HBM0TempCurrent:     61,
		HBM1TempCurrent:     62,
		HBM2TempCurrent:     63,
		HBM3TempCurrent:     64,
		VddgfxVoltCurrent:   0.85,
		VddgfxVoltAverage:   0.9,
		DeviceBusy:          47,
	}

	for kind, want := range expected {
		got, err := New(0, kind).Read(fake)
		require.NoError(t, err, "kind %s", kind)
		assert.InDelta(t, want, got, 1e-9, "kind %s", kind)
	}
}

func TestReadFailureCarriesStatus(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.Fail(0, smitest.Fan, smi.StatusPermission)

	_, err := New(0, FanSpeed).Read(fake)
	require.Error(t, err)

	var readErr *DeviceReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, FanSpeed, readErr.Kind)
	assert.Equal(t, uint32(0), readErr.Device)
	assert.Equal(t, smi.StatusPermission, readErr.Status)
	assert.Contains(t, err.Error(), "insufficient permission")
	assert.Contains(t, err.Error(), "fan_speed")

	_, err = New(3, FanSpeed).Read(fake)
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, smi.StatusInvalidArgs, readErr.Status)

	_, err = New(0, KindInvalid).Read(fake)
	require.Error(t, err)
}

func TestSupported(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.Set(0, smitest.Busy, 10)
	fake.Fail(0, smitest.MemBusy, smi.StatusBusy)

	assert.True(t, New(0, DeviceBusy).Supported(fake))
	assert.False(t, New(0, MemoryBusy).Supported(fake))
	assert.False(t, New(0, SocketPower).Supported(fake), "never set")
	assert.False(t, New(5, DeviceBusy).Supported(fake), "absent device")
}

func TestSupportedAbsorbsPanics(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.Set(0, smitest.Busy, 10)
	fake.SetHook(func(uint32, smitest.Metric) { panic("driver exploded") })

	assert.NotPanics(t, func() {
		assert.False(t, New(0, DeviceBusy).Supported(fake))
	})
}

func TestHandleOrdering(t *testing.T) {
	t.Parallel()

	handles := []Handle{
		New(1, SocketPower),
		New(0, DeviceBusy),
		New(0, SocketPower),
		New(1, KindInvalid+1),
	}
	slices.SortFunc(handles, Handle.Compare)

	assert.Equal(t, []Handle{
		New(0, SocketPower),
		New(0, DeviceBusy),
		New(1, SocketPower),
		New(1, SocketPower),
	}, handles)

	assert.Zero(t, New(2, FanSpeed).Compare(New(2, FanSpeed)))
	assert.Negative(t, New(0, DeviceBusy).Compare(New(1, SocketPower)))
	assert.Positive(t, New(0, DeviceBusy).Compare(New(0, SocketPower)))

	byHandle := map[Handle]int{New(0, FanSpeed): 1}
	byHandle[Handle{Device: 0, Kind: FanSpeed}]++
	assert.Equal(t, 2, byHandle[New(0, FanSpeed)])
}

func TestHandleString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ID3::edge_temp_current", New(3, EdgeTempCurrent).String())
	assert.Equal(t, "Fan Speed", New(0, FanSpeed).Properties().Description)
}
