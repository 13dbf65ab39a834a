// Package device holds the in-memory registry of known bulbs and their last
// known state.
package device

import (
	"encoding/json"
	"fmt"
)

// State is the last known state of a bulb. Pointer fields are unknown when nil.
// RGB, WarmWhite and ColdWhite are mutually exclusive; use the setters.
type State struct {
	IsOn       bool    `json:"isOn"`
	RGB        *[3]int `json:"rgb,omitempty"`
	WarmWhite  *int    `json:"warmWhite,omitempty"`
	ColdWhite  *int    `json:"coldWhite,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	ColorTemp  *int    `json:"colorTemp,omitempty"`
	Scene      *string `json:"scene,omitempty"`
}

// SetRGB sets the color and clears both white channels.
func (s *State) SetRGB(rgb [3]int) {
	s.RGB = &rgb
	s.WarmWhite = nil
	s.ColdWhite = nil
}

// SetWarmWhite sets the warm white intensity and clears color and cold white.
func (s *State) SetWarmWhite(intensity int) {
	s.WarmWhite = &intensity
	s.RGB = nil
	s.ColdWhite = nil
}

// SetColdWhite sets the cold white intensity and clears color and warm white.
func (s *State) SetColdWhite(intensity int) {
	s.ColdWhite = &intensity
	s.RGB = nil
	s.WarmWhite = nil
}

func (s State) clone() State {
	out := State{IsOn: s.IsOn}
	if s.RGB != nil {
		v := *s.RGB
		out.RGB = &v
	}
	out.WarmWhite = cloneInt(s.WarmWhite)
	out.ColdWhite = cloneInt(s.ColdWhite)
	out.Brightness = cloneInt(s.Brightness)
	out.ColorTemp = cloneInt(s.ColorTemp)
	if s.Scene != nil {
		v := *s.Scene
		out.Scene = &v
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Features lists what a bulb supports.
type Features struct {
	Brightness bool `json:"brightness"`
	Color      bool `json:"color"`
	ColorTemp  bool `json:"color_tmp"`
	Effect     bool `json:"effect"`
}

// KelvinRange is the supported color temperature range.
type KelvinRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Device is a bulb keyed by its network address.
type Device struct {
	IP          string      `json:"ip"`
	State       State       `json:"state"`
	Features    Features    `json:"features"`
	KelvinRange KelvinRange `json:"kelvin_range"`
	Name        string      `json:"name"`
	Error       string      `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.State = d.State.clone()
	return d
}

// UnmarshalJSON accepts either a full device object or a bare address string.
func (d *Device) UnmarshalJSON(data []byte) error {
	var ip string
	if err := json.Unmarshal(data, &ip); err == nil {
		*d = Device{IP: ip}
		return nil
	}

	type plain Device
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid device entry: %w", err)
	}
	*d = Device(p)
	return nil
}
