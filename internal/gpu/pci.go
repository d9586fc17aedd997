package gpu

import (
	"fmt"
	"strconv"
	"strings"
)

// PCIAddress is a parsed domain:bus:device.function slot name.
type PCIAddress struct {
	Domain   uint32
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParsePCISlot parses a sysfs PCI slot name such as "0000:0a:00.0".
// The short form without a domain ("0a:00.0") is accepted as domain 0.
func ParsePCISlot(slot string) (PCIAddress, error) {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return PCIAddress{}, fmt.Errorf("empty pci slot")
	}

	parts := strings.Split(slot, ":")
	var domainStr, busStr, devFn string
	switch len(parts) {
	case 3:
		domainStr, busStr, devFn = parts[0], parts[1], parts[2]
	case 2:
		domainStr, busStr, devFn = "0", parts[0], parts[1]
	default:
		return PCIAddress{}, fmt.Errorf("invalid pci slot %q", slot)
	}

	devStr, fnStr, ok := strings.Cut(devFn, ".")
	if !ok {
		return PCIAddress{}, fmt.Errorf("invalid pci slot %q: missing function", slot)
	}

	domain, err := strconv.ParseUint(domainStr, 16, 32)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("parse pci domain %q: %w", domainStr, err)
	}
	bus, err := strconv.ParseUint(busStr, 16, 8)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("parse pci bus %q: %w", busStr, err)
	}
	device, err := strconv.ParseUint(devStr, 16, 8)
	if err != nil || device > 0x1f {
		return PCIAddress{}, fmt.Errorf("invalid pci device %q", devStr)
	}
	function, err := strconv.ParseUint(fnStr, 16, 8)
	if err != nil || function > 0x7 {
		return PCIAddress{}, fmt.Errorf("invalid pci function %q", fnStr)
	}

	return PCIAddress{
		Domain:   uint32(domain),
		Bus:      uint8(bus),
		Device:   uint8(device),
		Function: uint8(function),
	}, nil
}

// Packed returns the 64-bit BDF identifier in the layout reported by the
// ROCm SMI library: domain in bits 63-32, bus in 15-8, device in 7-3 and
// function in 2-0.
func (a PCIAddress) Packed() uint64 {
	return uint64(a.Domain)<<32 |
		uint64(a.Bus)<<8 |
		uint64(a.Device&0x1f)<<3 |
		uint64(a.Function&0x7)
}

// String formats the address as a sysfs slot name.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}
