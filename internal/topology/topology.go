// Package topology maps PCI bus/device/function identifiers to device indices
// so that metrics can be attached to nodes of a hardware topology.
package topology

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/skobkin/amdgpu-sampler/internal/gpu"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
)

const (
	domainShift  = 32
	busShift     = 8
	deviceShift  = 3
	busMask      = 0xff
	deviceMask   = 0x1f
	functionMask = 0x7
	locationMask = busMask<<busShift | deviceMask<<deviceShift | functionMask
	domainMask   = 0xffffffff
)

// BusID is a packed PCI identifier: domain in bits 63-32, bus in 15-8,
// device in 7-3 and function in 2-0. Bits 31-16 are always zero.
type BusID uint64

// Encode converts a raw 64-bit address reported by the hardware boundary
// into a BusID. Partition and reserved bits are dropped.
func Encode(addr uint64) BusID {
	domain := (addr >> domainShift) & domainMask
	return BusID(domain<<domainShift | addr&locationMask)
}

// ParseBusID parses a slot name such as "0000:0a:00.0".
func ParseBusID(s string) (BusID, error) {
	addr, err := gpu.ParsePCISlot(s)
	if err != nil {
		return 0, fmt.Errorf("parse bus id: %w", err)
	}
	return BusID(addr.Packed()), nil
}

func (b BusID) Domain() uint32  { return uint32(uint64(b) >> domainShift) }
func (b BusID) Bus() uint8      { return uint8(uint64(b) >> busShift & busMask) }
func (b BusID) Device() uint8   { return uint8(uint64(b) >> deviceShift & deviceMask) }
func (b BusID) Function() uint8 { return uint8(uint64(b) & functionMask) }

func (b BusID) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain(), b.Bus(), b.Device(), b.Function())
}

// MarshalText renders the slot name so BusIDs read naturally in JSON.
func (b BusID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText accepts the slot name produced by MarshalText.
func (b *BusID) UnmarshalText(text []byte) error {
	parsed, err := ParseBusID(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Entry is one resolved device.
type Entry struct {
	BusID  BusID  `json:"bus_id"`
	Device uint32 `json:"device"`
}

// Index is a read-only BusID to device index mapping.
type Index struct {
	devices map[BusID]uint32
	entries []Entry
}

// Build queries the bus address of every device reported by the session.
// Devices whose address cannot be read are skipped; only a failure to count
// devices is an error.
func Build(s smi.Session, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "topology")

	count, status := s.NumDevices()
	if !status.OK() {
		return nil, fmt.Errorf("count devices: %s", status)
	}

	idx := &Index{devices: make(map[BusID]uint32, count)}
	for device := uint32(0); device < count; device++ {
		addr, status := s.PCIID(device)
		if !status.OK() {
			logger.Warn("skipping device without bus address", "device", device, "status", status.String())
			continue
		}

		bus := Encode(addr)
		if prev, ok := idx.devices[bus]; ok {
			logger.Warn("duplicate bus address", "bus_id", bus.String(), "device", device, "kept_device", prev)
			continue
		}
		idx.devices[bus] = device
		idx.entries = append(idx.entries, Entry{BusID: bus, Device: device})
	}

	slices.SortFunc(idx.entries, func(a, b Entry) int { return cmp.Compare(a.BusID, b.BusID) })
	logger.Info("topology resolved", "devices", len(idx.entries), "reported", count)
	return idx, nil
}

// Lookup returns the device index attached to bus. A miss means the node has
// no sensors.
func (i *Index) Lookup(bus BusID) (uint32, bool) {
	if i == nil {
		return 0, false
	}
	device, ok := i.devices[bus]
	return device, ok
}

// Len returns the number of resolved devices.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.entries)
}

// Entries returns the resolved devices ordered by BusID.
func (i *Index) Entries() []Entry {
	if i == nil {
		return nil
	}
	return slices.Clone(i.entries)
}
