package smi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skobkin/amdgpu-sampler/internal/gpu"
)

const (
	gpuBusyFilename     = "gpu_busy_percent"
	memBusyFilename     = "mem_busy_percent"
	vramUsedFilename    = "mem_info_vram_used"
	visVRAMUsedFilename = "mem_info_vis_vram_used"
	gttUsedFilename     = "mem_info_gtt_used"
	energyFilename      = "energy1_input"

	// energy1_input is reported in microjoules, one tick per microjoule.
	sysfsEnergyResolution = 1.0
)

var tempLabels = map[TempType]string{
	TempEdge:     "edge",
	TempJunction: "junction",
	TempMemory:   "mem",
	TempHBM0:     "hbm0",
	TempHBM1:     "hbm1",
	TempHBM2:     "hbm2",
	TempHBM3:     "hbm3",
}

var tempSuffixes = map[TempMetric]string{
	TempCurrent:   "input",
	TempMax:       "max",
	TempCritical:  "crit",
	TempEmergency: "emergency",
}

var voltLabels = map[VoltType]string{
	VoltVddgfx: "vddgfx",
}

var voltSuffixes = map[VoltMetric]string{
	VoltCurrent: "input",
	VoltAverage: "average",
	VoltMin:     "min",
	VoltMax:     "max",
}

// SysfsSession reads telemetry from the amdgpu sysfs and hwmon interface.
type SysfsSession struct {
	root    string
	logger  *slog.Logger
	devices []sysfsDevice
	closed  atomic.Bool
}

type sysfsDevice struct {
	info      gpu.Info
	hwmonPath string
	// hwmon channel numbers keyed by lower-cased label.
	tempChannels map[string]int
	voltChannels map[string]int
}

// OpenSysfs discovers amdgpu devices under the sysfs root and prepares a
// session for them. Device indices follow card index order.
func OpenSysfs(root string, logger *slog.Logger) (*SysfsSession, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	infos, err := gpu.Discover(root, logger.With("component", "gpu_discovery"))
	if err != nil {
		return nil, fmt.Errorf("discover gpus: %w", err)
	}

	session := &SysfsSession{
		root:    root,
		logger:  logger,
		devices: make([]sysfsDevice, 0, len(infos)),
	}

	for _, info := range infos {
		dev := sysfsDevice{info: info}
		dev.hwmonPath = detectHwmon(info.DevicePath)
		if dev.hwmonPath != "" {
			dev.tempChannels = scanChannels(dev.hwmonPath, "temp", 1)
			dev.voltChannels = scanChannels(dev.hwmonPath, "in", 0)
			// Kernels without labels expose the edge sensor as temp1 and
			// the graphics rail as in0.
			if len(dev.tempChannels) == 0 && fileExists(filepath.Join(dev.hwmonPath, "temp1_input")) {
				dev.tempChannels = map[string]int{tempLabels[TempEdge]: 1}
			}
			if len(dev.voltChannels) == 0 && fileExists(filepath.Join(dev.hwmonPath, "in0_input")) {
				dev.voltChannels = map[string]int{voltLabels[VoltVddgfx]: 0}
			}
		} else {
			logger.Debug("no hwmon directory for device", "card", info.ID)
		}
		session.devices = append(session.devices, dev)
	}

	logger.Info("sysfs session opened", "root", root, "devices", len(session.devices))
	return session, nil
}

// NumDevices returns the number of discovered devices.
func (s *SysfsSession) NumDevices() (uint32, Status) {
	if s.closed.Load() {
		return 0, StatusInitError
	}
	return uint32(len(s.devices)), StatusSuccess
}

// DeviceName returns the marketing name resolved at discovery time.
func (s *SysfsSession) DeviceName(device uint32) (string, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return "", status
	}
	if dev.info.Name == "" {
		return "", StatusNotSupported
	}
	return dev.info.Name, StatusSuccess
}

// PCIID returns the packed BDF identifier of the device.
func (s *SysfsSession) PCIID(device uint32) (uint64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	addr, err := dev.info.Address()
	if err != nil {
		s.logger.Debug("failed to parse pci slot", "card", dev.info.ID, "slot", dev.info.PCI, "err", err)
		return 0, StatusUnexpectedData
	}
	return addr.Packed(), StatusSuccess
}

func (s *SysfsSession) SocketPower(device uint32) (uint64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	return readUint(dev.hwmonFile("power1_input"))
}

func (s *SysfsSession) AveragePower(device uint32, sensor uint32) (uint64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	return readUint(dev.hwmonFile(fmt.Sprintf("power%d_average", sensor+1)))
}

func (s *SysfsSession) EnergyCount(device uint32) (uint64, float32, uint64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, 0, 0, status
	}
	count, status := readUint(dev.hwmonFile(energyFilename))
	if !status.OK() {
		return 0, 0, 0, status
	}
	return count, sysfsEnergyResolution, uint64(time.Now().UnixNano()), StatusSuccess
}

func (s *SysfsSession) MemoryUsage(device uint32, memType MemoryType) (uint64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	var name string
	switch memType {
	case MemoryVRAM:
		name = vramUsedFilename
	case MemoryVisibleVRAM:
		name = visVRAMUsedFilename
	case MemoryGTT:
		name = gttUsedFilename
	default:
		return 0, StatusInvalidArgs
	}
	return readUint(filepath.Join(dev.info.DevicePath, name))
}

func (s *SysfsSession) MemoryBusyPercent(device uint32) (uint32, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	return readPercent(filepath.Join(dev.info.DevicePath, memBusyFilename))
}

func (s *SysfsSession) FanRPMs(device uint32, sensor uint32) (int64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	return readInt(dev.hwmonFile(fmt.Sprintf("fan%d_input", sensor+1)))
}

func (s *SysfsSession) TempMetric(device uint32, tempType TempType, metric TempMetric) (int64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	label, ok := tempLabels[tempType]
	if !ok {
		return 0, StatusInvalidArgs
	}
	suffix, ok := tempSuffixes[metric]
	if !ok {
		return 0, StatusInvalidArgs
	}
	channel, ok := dev.tempChannels[label]
	if !ok {
		return 0, StatusNotSupported
	}
	return readInt(dev.hwmonFile(fmt.Sprintf("temp%d_%s", channel, suffix)))
}

func (s *SysfsSession) VoltMetric(device uint32, voltType VoltType, metric VoltMetric) (int64, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	label, ok := voltLabels[voltType]
	if !ok {
		return 0, StatusInvalidArgs
	}
	suffix, ok := voltSuffixes[metric]
	if !ok {
		return 0, StatusInvalidArgs
	}
	channel, ok := dev.voltChannels[label]
	if !ok {
		return 0, StatusNotSupported
	}
	return readInt(dev.hwmonFile(fmt.Sprintf("in%d_%s", channel, suffix)))
}

func (s *SysfsSession) BusyPercent(device uint32) (uint32, Status) {
	dev, status := s.device(device)
	if !status.OK() {
		return 0, status
	}
	return readPercent(filepath.Join(dev.info.DevicePath, gpuBusyFilename))
}

// Devices returns the discovery records backing the session, in device index order.
func (s *SysfsSession) Devices() []gpu.Info {
	infos := make([]gpu.Info, 0, len(s.devices))
	for _, dev := range s.devices {
		infos = append(infos, dev.info)
	}
	return infos
}

// Close shuts the session down. Further queries report StatusInitError.
func (s *SysfsSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("sysfs session closed")
	return nil
}

func (s *SysfsSession) device(index uint32) (*sysfsDevice, Status) {
	if s.closed.Load() {
		return nil, StatusInitError
	}
	if int(index) >= len(s.devices) {
		return nil, StatusInvalidArgs
	}
	return &s.devices[index], StatusSuccess
}

// hwmonFile returns an empty path when the device has no hwmon directory;
// reading it then fails with StatusNotSupported.
func (d *sysfsDevice) hwmonFile(name string) string {
	if d.hwmonPath == "" {
		return ""
	}
	return filepath.Join(d.hwmonPath, name)
}

func readRaw(path string) (string, Status) {
	if path == "" {
		return "", StatusNotSupported
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", statusFromError(err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", StatusUnexpectedData
	}
	return value, StatusSuccess
}

func readUint(path string) (uint64, Status) {
	raw, status := readRaw(path)
	if !status.OK() {
		return 0, status
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, StatusUnexpectedData
	}
	return value, StatusSuccess
}

func readInt(path string) (int64, Status) {
	raw, status := readRaw(path)
	if !status.OK() {
		return 0, status
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, StatusUnexpectedData
	}
	return value, StatusSuccess
}

func readPercent(path string) (uint32, Status) {
	value, status := readUint(path)
	if !status.OK() {
		return 0, status
	}
	if value > 100 {
		return 0, StatusUnexpectedData
	}
	return uint32(value), StatusSuccess
}

func statusFromError(err error) Status {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return StatusNotSupported
	case errors.Is(err, fs.ErrPermission):
		return StatusPermission
	default:
		return StatusFileError
	}
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

// scanChannels maps "<prefix>N_label" contents to N.
func scanChannels(hwmonPath, prefix string, first int) map[string]int {
	entries, err := os.ReadDir(hwmonPath)
	if err != nil {
		return nil
	}
	channels := make(map[string]int)
	for _, entry := range entries {
		name := entry.Name()
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		digits, ok := strings.CutSuffix(rest, "_label")
		if !ok {
			continue
		}
		channel, err := strconv.Atoi(digits)
		if err != nil || channel < first {
			continue
		}
		label, status := readRaw(filepath.Join(hwmonPath, name))
		if !status.OK() {
			continue
		}
		channels[strings.ToLower(label)] = channel
	}
	return channels
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
