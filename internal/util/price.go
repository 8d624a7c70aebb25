// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs binary representation error in x/tick, so 1.235 at a
// 0.01 tick is treated as the tie it is written as.
const tickEpsilon = 1e-12

func tickRatio(x, tick float64) (float64, float64, bool) {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) {
		return 0, 0, false
	}
	return x / tick, tick, true
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	q, tick, ok := tickRatio(x, tick)
	if !ok {
		return x
	}
	return math.Round(q+math.Copysign(tickEpsilon, q)) * tick
}

// FloorToTick rounds x down to a tick increment.
func FloorToTick(x, tick float64) float64 {
	q, tick, ok := tickRatio(x, tick)
	if !ok {
		return x
	}
	return math.Floor(q+tickEpsilon) * tick
}

// CeilToTick rounds x up to a tick increment.
func CeilToTick(x, tick float64) float64 {
	q, tick, ok := tickRatio(x, tick)
	if !ok {
		return x
	}
	return math.Ceil(q-tickEpsilon) * tick
}

// StrikeIncrement returns the listed strike spacing typical for an underlying price.
func StrikeIncrement(price float64) float64 {
	switch {
	case price < 25:
		return 0.5
	case price < 100:
		return 1
	case price < 200:
		return 2.5
	default:
		return 5
	}
}
