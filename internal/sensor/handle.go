package sensor

import (
	"cmp"
	"fmt"

	"github.com/skobkin/amdgpu-sampler/internal/smi"
)

const (
	microScale = 1e-6
	milliScale = 1e-3
)

// Handle identifies one sensor on one device. Handles are comparable and
// can be used directly as map keys.
type Handle struct {
	Device uint32 `json:"device"`
	Kind   Kind   `json:"kind"`
}

// New returns the handle for kind on device.
func New(device uint32, kind Kind) Handle {
	return Handle{Device: device, Kind: kind}
}

// Compare orders handles by device index, then by kind.
func (h Handle) Compare(other Handle) int {
	if c := cmp.Compare(h.Device, other.Device); c != 0 {
		return c
	}
	return cmp.Compare(h.Kind, other.Kind)
}

// Properties returns the catalog entry of the handle's kind.
func (h Handle) Properties() Properties {
	return h.Kind.Properties()
}

// Name returns the wire name of the handle's kind.
func (h Handle) Name() string {
	return h.Kind.Properties().Name
}

// String formats the handle the way consumers address it, e.g. "ID0::socket_power".
func (h Handle) String() string {
	return fmt.Sprintf("ID%d::%s", h.Device, h.Kind)
}

// Read performs one query against the session and converts the raw value
// to the unit advertised by the catalog.
func (h Handle) Read(s smi.Session) (float64, error) {
	var (
		value  float64
		status smi.Status
	)

	switch h.Kind {
	case SocketPower:
		var raw uint64
		raw, status = s.SocketPower(h.Device)
		value = float64(raw) * microScale
	case AveragePower:
		var raw uint64
		raw, status = s.AveragePower(h.Device, 0)
		value = float64(raw) * microScale
	case EnergyCount:
		var (
			raw        uint64
			resolution float32
		)
		raw, resolution, _, status = s.EnergyCount(h.Device)
		value = float64(raw) * float64(resolution) * microScale
	case MemoryUsageVRAM:
		var raw uint64
		raw, status = s.MemoryUsage(h.Device, smi.MemoryVRAM)
		value = float64(raw)
	case MemoryUsageVisVRAM:
		var raw uint64
		raw, status = s.MemoryUsage(h.Device, smi.MemoryVisibleVRAM)
		value = float64(raw)
	case MemoryUsageGTT:
		var raw uint64
		raw, status = s.MemoryUsage(h.Device, smi.MemoryGTT)
		value = float64(raw)
	case MemoryBusy:
		var raw uint32
		raw, status = s.MemoryBusyPercent(h.Device)
		value = float64(raw)
	case FanSpeed:
		var raw int64
		raw, status = s.FanRPMs(h.Device, 0)
		value = float64(raw)
	case EdgeTempCurrent, JunctionTempCurrent, MemoryTempCurrent,
		HBM0TempCurrent, HBM1TempCurrent, HBM2TempCurrent, HBM3TempCurrent:
		var raw int64
		raw, status = s.TempMetric(h.Device, tempTypes[h.Kind], smi.TempCurrent)
		value = float64(raw) * milliScale
	case VddgfxVoltCurrent:
		var raw int64
		raw, status = s.VoltMetric(h.Device, smi.VoltVddgfx, smi.VoltCurrent)
		value = float64(raw) * milliScale
	case VddgfxVoltAverage:
		var raw int64
		raw, status = s.VoltMetric(h.Device, smi.VoltVddgfx, smi.VoltAverage)
		value = float64(raw) * milliScale
	case DeviceBusy:
		var raw uint32
		raw, status = s.BusyPercent(h.Device)
		value = float64(raw)
	default:
		status = smi.StatusInvalidArgs
	}

	if !status.OK() {
		return 0, &DeviceReadError{Kind: h.Kind, Device: h.Device, Status: status}
	}
	return value, nil
}

// Supported reports whether a read of the sensor currently succeeds. A
// misbehaving session that panics is treated as unsupported.
func (h Handle) Supported(s smi.Session) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := h.Read(s)
	return err == nil
}

var tempTypes = map[Kind]smi.TempType{
	EdgeTempCurrent:     smi.TempEdge,
	JunctionTempCurrent: smi.TempJunction,
	MemoryTempCurrent:   smi.TempMemory,
	HBM0TempCurrent:     smi.TempHBM0,
	HBM1TempCurrent:     smi.TempHBM1,
	HBM2TempCurrent:     smi.TempHBM2,
	HBM3TempCurrent:     smi.TempHBM3,
}

// DeviceReadError reports a hardware query that did not succeed.
type DeviceReadError struct {
	Kind   Kind
	Device uint32
	Status smi.Status
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("read %s on device %d: %s", e.Kind, e.Device, e.Status)
}
