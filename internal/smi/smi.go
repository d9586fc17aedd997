// Package smi defines the hardware-query boundary used to read AMD GPU
// telemetry: one synchronous call per metric, each returning a Status.
package smi

import "fmt"

// Status is the result code of a single hardware query.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidArgs
	StatusNotSupported
	StatusFileError
	StatusPermission
	StatusNotFound
	StatusUnexpectedData
	StatusInitError
	StatusBusy
)

var statusText = map[Status]string{
	StatusSuccess:        "success",
	StatusInvalidArgs:    "invalid arguments",
	StatusNotSupported:   "not supported on this device",
	StatusFileError:      "file i/o error",
	StatusPermission:     "insufficient permission",
	StatusNotFound:       "device not found",
	StatusUnexpectedData: "unexpected data returned by driver",
	StatusInitError:      "interface not initialised",
	StatusBusy:           "device busy",
}

// String returns a human-readable description of the status.
func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("unknown status %d", int(s))
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// MemoryType selects the memory pool for MemoryUsage.
type MemoryType int

const (
	MemoryVRAM MemoryType = iota
	MemoryVisibleVRAM
	MemoryGTT
)

// TempType selects the temperature sensor location.
type TempType int

const (
	TempEdge TempType = iota
	TempJunction
	TempMemory
	TempHBM0
	TempHBM1
	TempHBM2
	TempHBM3
)

// TempMetric selects which reading of a temperature sensor is returned.
type TempMetric int

const (
	TempCurrent TempMetric = iota
	TempMax
	TempCritical
	TempEmergency
)

// VoltType selects the voltage rail.
type VoltType int

const (
	VoltVddgfx VoltType = iota
)

// VoltMetric selects which reading of a voltage rail is returned.
type VoltMetric int

const (
	VoltCurrent VoltMetric = iota
	VoltAverage
	VoltMin
	VoltMax
)

// Session is an initialised connection to the GPU management interface.
// Device indices range over [0, NumDevices()).
//
// Raw units: power in microwatts, energy as accumulator ticks scaled by the
// returned resolution (microjoules per tick), temperature in millidegrees
// Celsius, voltage in millivolts, memory in bytes, fan speed in RPM and busy
// values in percent.
type Session interface {
	NumDevices() (uint32, Status)
	DeviceName(device uint32) (string, Status)
	PCIID(device uint32) (uint64, Status)

	SocketPower(device uint32) (uint64, Status)
	AveragePower(device uint32, sensor uint32) (uint64, Status)
	EnergyCount(device uint32) (count uint64, resolution float32, timestamp uint64, status Status)
	MemoryUsage(device uint32, memType MemoryType) (uint64, Status)
	MemoryBusyPercent(device uint32) (uint32, Status)
	FanRPMs(device uint32, sensor uint32) (int64, Status)
	TempMetric(device uint32, tempType TempType, metric TempMetric) (int64, Status)
	VoltMetric(device uint32, voltType VoltType, metric VoltMetric) (int64, Status)
	BusyPercent(device uint32) (uint32, Status)

	Close() error
}
