// Package smitest provides an in-memory smi.Session for tests.
package smitest

import (
	"fmt"
	"sync"

	"github.com/skobkin/amdgpu-sampler/internal/smi"
)

// Metric names one raw query of the session.
type Metric string

const (
	SocketPower  Metric = "socket_power"
	AveragePower Metric = "average_power"
	Energy       Metric = "energy"
	MemVRAM      Metric = "mem_vram"
	MemVisVRAM   Metric = "mem_vis_vram"
	MemGTT       Metric = "mem_gtt"
	MemBusy      Metric = "mem_busy"
	Fan          Metric = "fan"
	Busy         Metric = "busy"
)

// Temp returns the metric key of a temperature query.
func Temp(tempType smi.TempType, metric smi.TempMetric) Metric {
	return Metric(fmt.Sprintf("temp_%d_%d", tempType, metric))
}

// Volt returns the metric key of a voltage query.
func Volt(voltType smi.VoltType, metric smi.VoltMetric) Metric {
	return Metric(fmt.Sprintf("volt_%d_%d", voltType, metric))
}

type reading struct {
	value  int64
	status smi.Status
}

type device struct {
	name      string
	busID     uint64
	busStatus smi.Status
	readings  map[Metric]reading
	reads     map[Metric]int
}

// Fake is a thread-safe smi.Session whose readings are set by the test.
// Queries for metrics that were never set report smi.StatusNotSupported.
type Fake struct {
	mu               sync.Mutex
	devices          []*device
	numStatus        smi.Status
	energyResolution float32
	hook             func(device uint32, metric Metric)
	closed           bool
	closeCalls       int
}

var _ smi.Session = (*Fake)(nil)

// New returns a fake with the given number of devices.
func New(devices int) *Fake {
	f := &Fake{energyResolution: 1}
	for i := 0; i < devices; i++ {
		f.devices = append(f.devices, &device{
			name:     fmt.Sprintf("Fake GPU %d", i),
			busID:    uint64(i+1) << 8,
			readings: make(map[Metric]reading),
			reads:    make(map[Metric]int),
		})
	}
	return f
}

// Set stores a successful raw reading.
func (f *Fake) Set(dev uint32, metric Metric, value int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev].readings[metric] = reading{value: value}
}

// Fail makes the metric report status.
func (f *Fake) Fail(dev uint32, metric Metric, status smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev].readings[metric] = reading{status: status}
}

// SetBusID sets the packed PCI identifier of a device.
func (f *Fake) SetBusID(dev uint32, busID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev].busID = busID
	f.devices[dev].busStatus = smi.StatusSuccess
}

// FailBusID makes the PCI identifier query of a device report status.
func (f *Fake) FailBusID(dev uint32, status smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[dev].busStatus = status
}

// FailNumDevices makes NumDevices report status.
func (f *Fake) FailNumDevices(status smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numStatus = status
}

// SetEnergyResolution sets the resolution returned with energy readings.
func (f *Fake) SetEnergyResolution(resolution float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.energyResolution = resolution
}

// SetHook registers fn to run before every metric query, outside the fake's lock.
func (f *Fake) SetHook(fn func(device uint32, metric Metric)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

// Reads returns how many times the metric was queried on the device.
func (f *Fake) Reads(dev uint32, metric Metric) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[dev].reads[metric]
}

// CloseCalls returns how many times Close was called.
func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *Fake) NumDevices() (uint32, smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, smi.StatusInitError
	}
	if !f.numStatus.OK() {
		return 0, f.numStatus
	}
	return uint32(len(f.devices)), smi.StatusSuccess
}

func (f *Fake) DeviceName(dev uint32) (string, smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, status := f.device(dev)
	if !status.OK() {
		return "", status
	}
	return d.name, smi.StatusSuccess
}

func (f *Fake) PCIID(dev uint32) (uint64, smi.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, status := f.device(dev)
	if !status.OK() {
		return 0, status
	}
	if !d.busStatus.OK() {
		return 0, d.busStatus
	}
	return d.busID, smi.StatusSuccess
}

func (f *Fake) SocketPower(dev uint32) (uint64, smi.Status) {
	v, status := f.read(dev, SocketPower)
	return uint64(v), status
}

func (f *Fake) AveragePower(dev uint32, _ uint32) (uint64, smi.Status) {
	v, status := f.read(dev, AveragePower)
	return uint64(v), status
}

func (f *Fake) EnergyCount(dev uint32) (uint64, float32, uint64, smi.Status) {
	v, status := f.read(dev, Energy)
	if !status.OK() {
		return 0, 0, 0, status
	}
	f.mu.Lock()
	resolution := f.energyResolution
	f.mu.Unlock()
	return uint64(v), resolution, 0, smi.StatusSuccess
}

func (f *Fake) MemoryUsage(dev uint32, memType smi.MemoryType) (uint64, smi.Status) {
	var metric Metric
	switch memType {
	case smi.MemoryVRAM:
		metric = MemVRAM
	case smi.MemoryVisibleVRAM:
		metric = MemVisVRAM
	case smi.MemoryGTT:
		metric = MemGTT
	default:
		return 0, smi.StatusInvalidArgs
	}
	v, status := f.read(dev, metric)
	return uint64(v), status
}

func (f *Fake) MemoryBusyPercent(dev uint32) (uint32, smi.Status) {
	v, status := f.read(dev, MemBusy)
	return uint32(v), status
}

func (f *Fake) FanRPMs(dev uint32, _ uint32) (int64, smi.Status) {
	return f.read(dev, Fan)
}

func (f *Fake) TempMetric(dev uint32, tempType smi.TempType, metric smi.TempMetric) (int64, smi.Status) {
	return f.read(dev, Temp(tempType, metric))
}

func (f *Fake) VoltMetric(dev uint32, voltType smi.VoltType, metric smi.VoltMetric) (int64, smi.Status) {
	return f.read(dev, Volt(voltType, metric))
}

func (f *Fake) BusyPercent(dev uint32) (uint32, smi.Status) {
	v, status := f.read(dev, Busy)
	return uint32(v), status
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	return nil
}

func (f *Fake) read(dev uint32, metric Metric) (int64, smi.Status) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(dev, metric)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d, status := f.device(dev)
	if !status.OK() {
		return 0, status
	}
	d.reads[metric]++
	r, ok := d.readings[metric]
	if !ok {
		return 0, smi.StatusNotSupported
	}
	if !r.status.OK() {
		return 0, r.status
	}
	return r.value, smi.StatusSuccess
}

func (f *Fake) device(dev uint32) (*device, smi.Status) {
	if f.closed {
		return nil, smi.StatusInitError
	}
	if int(dev) >= len(f.devices) {
		return nil, smi.StatusInvalidArgs
	}
	return f.devices[dev], smi.StatusSuccess
}
