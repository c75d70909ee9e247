package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotSnapshot is returned by ParseSnapshot when the data is not a JSON object.
var ErrNotSnapshot = errors.New("not a settings snapshot")

// Switch is the controller's power flag. It travels as 0 or 1; true and
// false are accepted on input.
type Switch bool

// MarshalJSON encodes the switch as 0 or 1.
func (s Switch) MarshalJSON() ([]byte, error) {
	if s {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts numbers (non-zero is on) and booleans.
func (s *Switch) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true":
		*s = true
		return nil
	case "false", "null":
		*s = false
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode on: %w", err)
	}
	*s = n != 0
	return nil
}

// Group holds per-group settings.
type Group struct {
	Palette int `json:"palette"`
}

// Groups holds the controller's light groups. Only the main group is mirrored.
type Groups struct {
	Main Group `json:"main"`
}

// Config is a full settings snapshot received from the controller.
type Config struct {
	On               Switch  `json:"on"`
	GlobalBrightness float64 `json:"global_brightness"`
	Groups           Groups  `json:"groups"`
}

// Palette returns the palette id of the main group.
func (c Config) Palette() int {
	return c.Groups.Main.Palette
}

// Apply returns a copy of c with the fields set in p replaced.
func (c Config) Apply(p Patch) Config {
	if p.On != nil {
		c.On = *p.On
	}
	if p.GlobalBrightness != nil {
		c.GlobalBrightness = *p.GlobalBrightness
	}
	if p.Groups != nil && p.Groups.Main != nil && p.Groups.Main.Palette != nil {
		c.Groups.Main.Palette = *p.Groups.Main.Palette
	}
	return c
}

// ParseSnapshot decodes data as a settings snapshot. Data that is not a JSON
// object yields ErrNotSnapshot; an object with ill-typed fields yields a
// decode error wrapping ErrNotSnapshot as well, so callers can fall back to
// command matching.
func ParseSnapshot(data []byte) (Config, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Config{}, ErrNotSnapshot
	}
	var cfg Config
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrNotSnapshot, err)
	}
	return cfg, nil
}

// GroupPatch is the changed subset of Group.
type GroupPatch struct {
	Palette *int `json:"palette,omitempty"`
}

// GroupsPatch is the changed subset of Groups.
type GroupsPatch struct {
	Main *GroupPatch `json:"main,omitempty"`
}

// Patch describes only the settings a command changes. Nil fields are
// omitted from the JSON form.
type Patch struct {
	On               *Switch      `json:"on,omitempty"`
	GlobalBrightness *float64     `json:"global_brightness,omitempty"`
	Groups           *GroupsPatch `json:"groups,omitempty"`
}

// PowerPatch sets the power flag.
func PowerPatch(on bool) Patch {
	s := Switch(on)
	return Patch{On: &s}
}

// BrightnessPatch sets the global brightness.
func BrightnessPatch(b float64) Patch {
	return Patch{GlobalBrightness: &b}
}

// PalettePatch sets the main group's palette.
func PalettePatch(id int) Patch {
	return Patch{Groups: &GroupsPatch{Main: &GroupPatch{Palette: &id}}}
}
