// Package sensor describes the telemetry counters that can be sampled from a
// GPU and reads them through an smi.Session.
package sensor

import "fmt"

// Kind identifies a telemetry quantity.
type Kind uint8

const (
	KindInvalid Kind = iota
	SocketPower
	AveragePower
	EnergyCount
	MemoryUsageVRAM
	MemoryUsageVisVRAM
	MemoryUsageGTT
	MemoryBusy
	FanSpeed
	EdgeTempCurrent
	JunctionTempCurrent
	MemoryTempCurrent
	HBM0TempCurrent
	HBM1TempCurrent
	HBM2TempCurrent
	HBM3TempCurrent
	VddgfxVoltCurrent
	VddgfxVoltAverage
	DeviceBusy

	kindCount
)

// Properties is the static metadata of a sensor kind. Name is the wire
// identifier used by consumers and must never change.
type Properties struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
	Accumulated bool   `json:"accumulated"`
}

var catalog = [kindCount]Properties{
	SocketPower:         {Name: "socket_power", Description: "Socket Power", Unit: "W"},
	AveragePower:        {Name: "average_power", Description: "Average Power", Unit: "W"},
	EnergyCount:         {Name: "energy_count", Description: "Energy Count", Unit: "J", Accumulated: true},
	MemoryUsageVRAM:     {Name: "memory_usage_vram", Description: "Memory Usage (VRAM)", Unit: "B"},
	MemoryUsageVisVRAM:  {Name: "memory_usage_vis_vram", Description: "Memory Usage (Visible VRAM)", Unit: "B"},
	MemoryUsageGTT:      {Name: "memory_usage_gtt", Description: "Memory Usage (GTT)", Unit: "B"},
	MemoryBusy:          {Name: "memory_busy", Description: "Memory Busy Percent", Unit: "%"},
	FanSpeed:            {Name: "fan_speed", Description: "Fan Speed", Unit: "rpm"},
	EdgeTempCurrent:     {Name: "edge_temp_current", Description: "Current Edge GPU temperature", Unit: "°C"},
	JunctionTempCurrent: {Name: "junction_temp_current", Description: "Current junction/hotspot temperature", Unit: "°C"},
	MemoryTempCurrent:   {Name: "memory_temp_current", Description: "Current GPU memory temperature", Unit: "°C"},
	HBM0TempCurrent:     {Name: "hbm0_temp_current", Description: "Current HBM0 temperature", Unit: "°C"},
	HBM1TempCurrent:     {Name: "hbm1_temp_current", Description: "Current HBM1 temperature", Unit: "°C"},
	HBM2TempCurrent:     {Name: "hbm2_temp_current", Description: "Current HBM2 temperature", Unit: "°C"},
	HBM3TempCurrent:     {Name: "hbm3_temp_current", Description: "Current HBM3 temperature", Unit: "°C"},
	VddgfxVoltCurrent:   {Name: "vddgfx_volt_current", Description: "Current Vdd_gfx voltage", Unit: "V"},
	VddgfxVoltAverage:   {Name: "vddgfx_volt_average", Description: "Average Vdd_gfx voltage", Unit: "V"},
	DeviceBusy:          {Name: "device_busy", Description: "Percentage of time device is busy", Unit: "%"},
}

var kindsByName = func() map[string]Kind {
	names := make(map[string]Kind, len(catalog))
	for _, kind := range Kinds() {
		names[catalog[kind].Name] = kind
	}
	return names
}()

// Catalog returns the full sensor table keyed by kind. The returned map is a
// copy and may be modified by the caller.
func Catalog() map[Kind]Properties {
	out := make(map[Kind]Properties, len(catalog)-1)
	for _, kind := range Kinds() {
		out[kind] = catalog[kind]
	}
	return out
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount-1)
	for kind := KindInvalid + 1; kind < kindCount; kind++ {
		kinds = append(kinds, kind)
	}
	return kinds
}

// KindByName resolves a wire name such as "socket_power".
func KindByName(name string) (Kind, bool) {
	kind, ok := kindsByName[name]
	return kind, ok
}

// Valid reports whether k is a catalogued kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// Properties returns the catalog entry for k; the zero value for invalid kinds.
func (k Kind) Properties() Properties {
	if !k.Valid() {
		return Properties{}
	}
	return catalog[k]
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("invalid(%d)", uint8(k))
	}
	return catalog[k].Name
}
