package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// The pci.ids database is large; load it at most once per process.
var loadPCIDatabase = sync.OnceValue(func() *pcidb.PCIDB {
	db, err := pcidb.New()
	if err != nil {
		return nil
	}
	return db
})

func lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID == "" || subDeviceID == "" {
		return product.Name
	}

	for _, subsystem := range product.Subsystems {
		if subsystem == nil || subsystem.Name == "" {
			continue
		}
		if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
			return subsystem.Name
		}
	}

	return product.Name
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func splitPCIIdentifier(pciID string) (vendorID string, deviceID string) {
	vendorID, deviceID, ok := strings.Cut(pciID, ":")
	if !ok {
		return "", ""
	}
	return vendorID, deviceID
}

// shouldUseResolvedName prefers the pci.ids name over driver placeholders.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch {
	case lower == "", lower == "amdgpu", lower == "radeon", lower == "unknown":
		return true
	case strings.HasPrefix(lower, "pci device"), strings.HasPrefix(lower, "0x"):
		return true
	}
	return false
}
