package smi

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSysfsSessionReadsDeviceFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	device := filepath.Join(root, "class", "drm", "card0", "device")
	hwmon := filepath.Join(device, "hwmon", "hwmon3")

	writeFiles(t, device, map[string]string{
		"uevent":                 "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73df\n",
		"product_name":           "Test GPU\n",
		"gpu_busy_percent":       "47\n",
		"mem_busy_percent":       "31\n",
		"mem_info_vram_used":     "104857600\n",
		"mem_info_vis_vram_used": "52428800\n",
		"mem_info_gtt_used":      "4096\n",
	})
	writeFiles(t, hwmon, map[string]string{
		"power1_input":   "5000000\n",
		"power1_average": "4500000\n",
		"energy1_input":  "123456789\n",
		"temp1_label":    "edge\n",
		"temp1_input":    "45000\n",
		"temp1_crit":     "100000\n",
		"temp2_label":    "junction\n",
		"temp2_input":    "52000\n",
		"temp3_label":    "mem\n",
		"temp3_input":    "60000\n",
		"in0_label":      "vddgfx\n",
		"in0_input":      "850\n",
		"fan1_input":     "1200\n",
	})

	session, err := OpenSysfs(root, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	count, status := session.NumDevices()
	require.Equal(t, StatusSuccess, status)
	require.EqualValues(t, 1, count)

	name, status := session.DeviceName(0)
	require.True(t, status.OK())
	assert.Equal(t, "Test GPU", name)

	busID, status := session.PCIID(0)
	require.True(t, status.OK())
	assert.Equal(t, uint64(0x0a00), busID)

	power, status := session.SocketPower(0)
	require.True(t, status.OK())
	assert.Equal(t, uint64(5_000_000), power)

	avg, status := session.AveragePower(0, 0)
	require.True(t, status.OK())
	assert.Equal(t, uint64(4_500_000), avg)

	energy, resolution, ts, status := session.EnergyCount(0)
	require.True(t, status.OK())
	assert.Equal(t, uint64(123456789), energy)
	assert.InDelta(t, 1.0, resolution, 1e-9)
	assert.NotZero(t, ts)

	vram, status := session.MemoryUsage(0, MemoryVRAM)
	require.True(t, status.OK())
	assert.Equal(t, uint64(104857600), vram)

	vis, status := session.MemoryUsage(0, MemoryVisibleVRAM)
	require.True(t, status.OK())
	assert.Equal(t, uint64(52428800), vis)

	gtt, status := session.MemoryUsage(0, MemoryGTT)
	require.True(t, status.OK())
	assert.Equal(t, uint64(4096), gtt)

	memBusy, status := session.MemoryBusyPercent(0)
	require.True(t, status.OK())
	assert.Equal(t, uint32(31), memBusy)

	busy, status := session.BusyPercent(0)
	require.True(t, status.OK())
	assert.Equal(t, uint32(47), busy)

	fan, status := session.FanRPMs(0, 0)
	require.True(t, status.OK())
	assert.Equal(t, int64(1200), fan)

	edge, status := session.TempMetric(0, TempEdge, TempCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(45000), edge)

	crit, status := session.TempMetric(0, TempEdge, TempCritical)
	require.True(t, status.OK())
	assert.Equal(t, int64(100000), crit)

	junction, status := session.TempMetric(0, TempJunction, TempCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(52000), junction)

	mem, status := session.TempMetric(0, TempMemory, TempCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(60000), mem)

	volt, status := session.VoltMetric(0, VoltVddgfx, VoltCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(850), volt)
}

func TestSysfsSessionMissingMetrics(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	device := filepath.Join(root, "class", "drm", "card0", "device")
	writeFiles(t, device, map[string]string{
		"uevent":           "PCI_SLOT_NAME=bogus\n",
		"gpu_busy_percent": "not-a-number\n",
		"mem_busy_percent": "250\n",
	})

	session, err := OpenSysfs(root, discardLogger())
	require.NoError(t, err)

	_, status := session.SocketPower(0)
	assert.Equal(t, StatusNotSupported, status, "no hwmon directory")

	_, status = session.TempMetric(0, TempHBM0, TempCurrent)
	assert.Equal(t, StatusNotSupported, status)

	_, status = session.VoltMetric(0, VoltVddgfx, VoltAverage)
	assert.Equal(t, StatusNotSupported, status)

	_, status = session.BusyPercent(0)
	assert.Equal(t, StatusUnexpectedData, status)

	_, status = session.MemoryBusyPercent(0)
	assert.Equal(t, StatusUnexpectedData, status)

	_, status = session.PCIID(0)
	assert.Equal(t, StatusUnexpectedData, status)

	_, status = session.BusyPercent(7)
	assert.Equal(t, StatusInvalidArgs, status)

	require.NoError(t, session.Close())
	_, status = session.NumDevices()
	assert.Equal(t, StatusInitError, status)
	_, status = session.BusyPercent(0)
	assert.Equal(t, StatusInitError, status)
}

func TestSysfsSessionUnlabelledHwmon(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	device := filepath.Join(root, "class", "drm", "card0", "device")
	hwmon := filepath.Join(device, "hwmon", "hwmon0")
	writeFiles(t, device, map[string]string{"uevent": "PCI_SLOT_NAME=0000:03:00.0\n"})
	writeFiles(t, hwmon, map[string]string{
		"temp1_input": "38000\n",
		"in0_input":   "900\n",
	})

	session, err := OpenSysfs(root, discardLogger())
	require.NoError(t, err)

	edge, status := session.TempMetric(0, TempEdge, TempCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(38000), edge)

	volt, status := session.VoltMetric(0, VoltVddgfx, VoltCurrent)
	require.True(t, status.OK())
	assert.Equal(t, int64(900), volt)
}

func TestOpenSysfsWithoutDRMClass(t *testing.T) {
	t.Parallel()

	session, err := OpenSysfs(t.TempDir(), discardLogger())
	require.NoError(t, err)

	count, status := session.NumDevices()
	require.True(t, status.OK())
	assert.Zero(t, count)
}

func TestOpenSysfsMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := OpenSysfs(filepath.Join(t.TempDir(), "absent"), discardLogger())
	require.Error(t, err)
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "not supported on this device", StatusNotSupported.String())
	assert.Equal(t, "unknown status 99", Status(99).String())
	assert.True(t, StatusSuccess.OK())
	assert.False(t, StatusBusy.OK())
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600))
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
