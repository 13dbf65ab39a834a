package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSettersAreExclusive(t *testing.T) {
	var s State

	s.SetRGB([3]int{255, 0, 10})
	require.NotNil(t, s.RGB)
	assert.Nil(t, s.WarmWhite)
	assert.Nil(t, s.ColdWhite)

	s.SetWarmWhite(128)
	assert.Nil(t, s.RGB)
	require.NotNil(t, s.WarmWhite)
	assert.Equal(t, 128, *s.WarmWhite)
	assert.Nil(t, s.ColdWhite)

	s.SetColdWhite(64)
	assert.Nil(t, s.RGB)
	assert.Nil(t, s.WarmWhite)
	require.NotNil(t, s.ColdWhite)
	assert.Equal(t, 64, *s.ColdWhite)
}

func TestDeviceUnmarshal(t *testing.T) {
	var got []Device
	input := `[
		"192.168.1.10",
		{"ip": "192.168.1.11", "name": "desk",
		 "state": {"isOn": true, "rgb": [1, 2, 3]},
		 "features": {"brightness": true, "color": true, "color_tmp": false, "effect": true},
		 "kelvin_range": {"min": 2200, "max": 6500}}
	]`
	require.NoError(t, json.Unmarshal([]byte(input), &got))
	require.Len(t, got, 2)

	assert.Equal(t, Device{IP: "192.168.1.10"}, got[0])

	assert.Equal(t, "desk", got[1].Name)
	assert.True(t, got[1].State.IsOn)
	assert.Equal(t, &[3]int{1, 2, 3}, got[1].State.RGB)
	assert.True(t, got[1].Features.Effect)
	assert.False(t, got[1].Features.ColorTemp)
	assert.Equal(t, KelvinRange{Min: 2200, Max: 6500}, got[1].KelvinRange)
}

func TestDeviceUnmarshal_Invalid(t *testing.T) {
	var d Device
	assert.Error(t, json.Unmarshal([]byte(`42`), &d))
}

func TestDeviceMarshal_FieldNames(t *testing.T) {
	d := Device{IP: "10.0.0.2", Features: Features{ColorTemp: true}}
	d.State.SetWarmWhite(10)

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "kelvin_range")
	assert.NotContains(t, raw, "error")
	assert.Equal(t, true, raw["features"].(map[string]any)["color_tmp"])
	assert.Equal(t, float64(10), raw["state"].(map[string]any)["warmWhite"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Replace([]Device{{IP: "10.0.0.3"}, {IP: "10.0.0.1"}, {IP: ""}})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, r.Addresses())
	assert.True(t, r.Has("10.0.0.1"))
	assert.False(t, r.Has("10.0.0.2"))

	updated, ok := r.Update("10.0.0.1", func(d *Device) {
		d.State.IsOn = true
		d.State.SetRGB([3]int{9, 9, 9})
	})
	require.True(t, ok)
	assert.True(t, updated.State.IsOn)

	_, ok = r.Update("10.0.0.2", func(*Device) { t.Error("called for unknown device") })
	assert.False(t, ok)

	// Snapshots do not alias registry state.
	snap, _ := r.Get("10.0.0.1")
	snap.State.RGB[0] = 0
	again, _ := r.Get("10.0.0.1")
	assert.Equal(t, 9, again.State.RGB[0])

	r.Replace([]Device{{IP: "10.0.0.9"}})
	assert.Equal(t, []string{"10.0.0.9"}, r.Addresses())
}
