package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	drmClassPath = "class/drm"
	cardPrefix   = "card"
)

// Info describes a single GPU device discovered via sysfs.
type Info struct {
	ID         string `json:"id"`
	CardIndex  int    `json:"card_index"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Name       string `json:"name"`
	DevicePath string `json:"-"`
}

// Address parses the PCI slot of the card.
func (i Info) Address() (PCIAddress, error) {
	return ParsePCISlot(i.PCI)
}

// Discover enumerates DRM cards exposed via sysfs under the provided root.
// The result is ordered by card index, which defines the device index used
// by the rest of the application.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		index, ok := cardIndex(name)
		if !ok {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		info, err := loadCardInfo(sysRoot, name)
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		info.CardIndex = index
		info.DevicePath = filepath.Join(root, drmClassPath, name, "device")
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return a.CardIndex - b.CardIndex
	})

	return infos, nil
}

func loadCardInfo(sysRoot *os.Root, cardID string) (Info, error) {
	deviceRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, cardID, "device"))
	if err != nil {
		return Info{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	info := Info{ID: cardID}

	var subVendor, subDevice string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		values := parseUevent(string(data))
		info.PCI = values["PCI_SLOT_NAME"]
		info.PCIID = values["PCI_ID"]
		if sub, ok := values["PCI_SUBSYS_ID"]; ok {
			subVendor, subDevice, _ = strings.Cut(sub, ":")
		}
	}

	if info.PCIID == "" {
		vendor, vErr := readTrim(deviceRoot, "vendor")
		device, dErr := readTrim(deviceRoot, "device")
		if vErr == nil && dErr == nil {
			info.PCIID = formatHexPair(vendor, device)
		}
	}

	info.Name, _ = readTrim(deviceRoot, "product_name")

	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID := splitPCIIdentifier(info.PCIID)
	resolved := lookupGPUName(vendorID, deviceID, subVendor, subDevice)
	if shouldUseResolvedName(info.Name, resolved) {
		info.Name = resolved
	}

	return info, nil
}

func cardIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, cardPrefix)
	if !ok || digits == "" {
		return 0, false
	}
	// Connector entries such as card0-DP-1 are not devices.
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return index, true
}

func parseUevent(data string) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatHexPair(vendor, device string) string {
	return strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
}
