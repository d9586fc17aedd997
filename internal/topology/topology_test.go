package topology

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/smi/smitest"
)

func TestEncodeBitLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr uint64
		want BusID
	}{
		{name: "zero", addr: 0, want: 0},
		{name: "bus only", addr: 0x0300, want: 0x0300},
		{name: "full location", addr: 0x0000_0001_0000_c3fa, want: 0x0000_0001_0000_c3fa},
		{name: "partition bits dropped", addr: 0x0000_0000_f00f_0a08, want: 0x0a08},
		{name: "high domain", addr: 0xffff_ffff_0000_ffff, want: 0xffff_ffff_0000_ffff},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Encode(tc.addr))
		})
	}
}

func TestBusIDFields(t *testing.T) {
	t.Parallel()

	// domain 0x0001, bus 0xc3, device 0x1f, function 0x2
	id := BusID(0x0000_0001_0000_c3fa)
	assert.Equal(t, uint32(1), id.Domain())
	assert.Equal(t, uint8(0xc3), id.Bus())
	assert.Equal(t, uint8(0x1f), id.Device())
	assert.Equal(t, uint8(0x2), id.Function())
	assert.Equal(t, "0001:c3:1f.2", id.String())

	parsed, err := ParseBusID("0001:c3:1f.2")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseBusID("0000:0a:20.0")
	require.Error(t, err)
	_, err = ParseBusID("garbage")
	require.Error(t, err)
}

func TestBusIDJSON(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(Entry{BusID: 0x0a00, Device: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bus_id":"0000:0a:00.0","device":3}`, string(payload))

	var decoded Entry
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, Entry{BusID: 0x0a00, Device: 3}, decoded)
}

func TestBuildTwoDevices(t *testing.T) {
	t.Parallel()

	// A: 0000:03:00.0, B: 0001:c3:00.1 with a partition id in bits 31-28.
	const (
		addrA = uint64(0x0000_0000_0000_0300)
		addrB = uint64(0x0000_0001_3000_c301)
	)
	fake := smitest.New(2)
	fake.SetBusID(0, addrA)
	fake.SetBusID(1, addrB)

	idx, err := Build(fake, nil)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())

	keyA := BusID(0<<32 | 0x03<<8 | 0<<3 | 0)
	keyB := BusID(1<<32 | 0xc3<<8 | 0<<3 | 1)

	device, ok := idx.Lookup(keyA)
	require.True(t, ok)
	assert.Equal(t, uint32(0), device)

	device, ok = idx.Lookup(keyB)
	require.True(t, ok)
	assert.Equal(t, uint32(1), device)

	assert.Equal(t, []Entry{{BusID: keyA, Device: 0}, {BusID: keyB, Device: 1}}, idx.Entries())

	_, ok = idx.Lookup(BusID(addrB))
	assert.False(t, ok, "raw address with partition bits is not a key")
	_, ok = idx.Lookup(0x0400)
	assert.False(t, ok)
}

func TestBuildSkipsFailedDevices(t *testing.T) {
	t.Parallel()

	fake := smitest.New(3)
	fake.SetBusID(0, 0x0300)
	fake.FailBusID(1, smi.StatusNotSupported)
	fake.SetBusID(2, 0x0a00)

	idx, err := Build(fake, nil)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{BusID: 0x0300, Device: 0}, {BusID: 0x0a00, Device: 2}}, idx.Entries())
}

func TestBuildKeepsFirstDuplicate(t *testing.T) {
	t.Parallel()

	fake := smitest.New(2)
	fake.SetBusID(0, 0x0300)
	fake.SetBusID(1, 0x0300)

	idx, err := Build(fake, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	device, ok := idx.Lookup(0x0300)
	require.True(t, ok)
	assert.Equal(t, uint32(0), device)
}

func TestBuildDeviceCountFailure(t *testing.T) {
	t.Parallel()

	fake := smitest.New(1)
	fake.FailNumDevices(smi.StatusInitError)

	_, err := Build(fake, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialised")
}

func TestNilIndex(t *testing.T) {
	t.Parallel()

	var idx *Index
	_, ok := idx.Lookup(0)
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
	assert.Nil(t, idx.Entries())
}
