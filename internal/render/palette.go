package render

import "sort"

// Placeholder is used for palette ids missing from the table.
var Placeholder = [3]string{"#888888", "#888888", "#888888"}

// palettes maps controller palette ids to the three colors shown for them.
var palettes = map[int][3]string{
	0:  {"#ff0000", "#00ff00", "#0000ff"}, // rgb
	10: {"#ff4500", "#ff8c00", "#ffd700"}, // fire
	20: {"#00bfff", "#1e90ff", "#000080"}, // ocean
	30: {"#228b22", "#7cfc00", "#006400"}, // forest
	40: {"#ff69b4", "#da70d6", "#8a2be2"}, // party
	50: {"#ff7f50", "#ff1493", "#4b0082"}, // sunset
	60: {"#e0ffff", "#87cefa", "#f0f8ff"}, // ice
	70: {"#ffb347", "#ffcc33", "#fff5e1"}, // warm
	80: {"#39ff14", "#ff073a", "#00f0ff"}, // neon
	90: {"#4a0072", "#1a0033", "#9400d3"}, // night
}

var paletteIDs = func() []int {
	ids := make([]int, 0, len(palettes))
	for id := range palettes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}()

// PaletteIDs returns the known palette ids in ascending order.
func PaletteIDs() []int {
	return append([]int(nil), paletteIDs...)
}

// Colors returns the three colors for a palette id, or Placeholder.
func Colors(id int) [3]string {
	if c, ok := palettes[id]; ok {
		return c
	}
	return Placeholder
}
