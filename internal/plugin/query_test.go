package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/amdgpu-sampler/internal/sensor"
)

func TestParseQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query   string
		want    Query
		wantErr bool
	}{
		{query: "ID0::socket_power", want: Query{Device: 0, Pattern: "socket_power"}},
		{query: "ID12::fan_speed", want: Query{Device: 12, Pattern: "fan_speed"}},
		{query: "ID*::edge_temp_current", want: Query{Device: AllDevices, Pattern: "edge_temp_current"}},
		{query: "  ID*::*  ", want: Query{Device: AllDevices, Pattern: "*"}},
		{query: "ID1::hbm?_temp_current", want: Query{Device: 1, Pattern: "hbm?_temp_current"}},
		{query: "socket_power", wantErr: true},
		{query: "ID::socket_power", wantErr: true},
		{query: "IDx::socket_power", wantErr: true},
		{query: "ID-1::socket_power", wantErr: true},
		{query: "ID0::", wantErr: true},
		{query: "ID0::[abc", wantErr: true},
		{query: "id0::socket_power", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			t.Parallel()

			got, err := ParseQuery(tc.query)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQueryKinds(t *testing.T) {
	t.Parallel()

	q, err := ParseQuery("ID0::hbm*_temp_current")
	require.NoError(t, err)
	assert.Equal(t, []sensor.Kind{
		sensor.HBM0TempCurrent,
		sensor.HBM1TempCurrent,
		sensor.HBM2TempCurrent,
		sensor.HBM3TempCurrent,
	}, q.Kinds())

	q, err = ParseQuery("ID*::*")
	require.NoError(t, err)
	assert.Equal(t, sensor.Kinds(), q.Kinds())

	q, err = ParseQuery("ID0::warp_core")
	require.NoError(t, err)
	assert.Empty(t, q.Kinds())
}

func TestQueryMatches(t *testing.T) {
	t.Parallel()

	all := Query{Device: AllDevices}
	assert.True(t, all.Matches(0))
	assert.True(t, all.Matches(7))

	one := Query{Device: 2}
	assert.True(t, one.Matches(2))
	assert.False(t, one.Matches(0))
}

func TestParseName(t *testing.T) {
	t.Parallel()

	h, err := ParseName("ID3::memory_usage_gtt")
	require.NoError(t, err)
	assert.Equal(t, sensor.New(3, sensor.MemoryUsageGTT), h)

	for _, bad := range []string{"ID*::socket_power", "ID0::*", "ID0::nope", "socket_power"} {
		_, err := ParseName(bad)
		assert.Error(t, err, bad)
	}
}
