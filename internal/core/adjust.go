package core

import (
	"math"
	"sort"
)

// BrightnessStep is the change applied by one brightness command.
const BrightnessStep = 0.1

// BrightnessUp raises b by one step, clamped to [0,1] and rounded to 2 decimals.
func BrightnessUp(b float64) float64 {
	return clampBrightness(b + BrightnessStep)
}

// BrightnessDown lowers b by one step, clamped to [0,1] and rounded to 2 decimals.
func BrightnessDown(b float64) float64 {
	return clampBrightness(b - BrightnessStep)
}

func clampBrightness(v float64) float64 {
	v = math.Round(v*100) / 100
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NextPalette returns the id following current in the ascending sequence ids,
// wrapping to the first id after the last. An id absent from the sequence
// moves to the smallest id above it.
func NextPalette(ids []int, current int) int {
	if len(ids) == 0 {
		return current
	}
	i := sort.SearchInts(ids, current+1)
	if i >= len(ids) {
		return ids[0]
	}
	return ids[i]
}

// PrevPalette returns the id preceding current in the ascending sequence ids,
// wrapping to the last id before the first. An id absent from the sequence
// moves to the largest id below it.
func PrevPalette(ids []int, current int) int {
	if len(ids) == 0 {
		return current
	}
	i := sort.SearchInts(ids, current) - 1
	if i < 0 {
		return ids[len(ids)-1]
	}
	return ids[i]
}
