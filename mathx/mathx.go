// Package mathx provides small numeric helpers missing from package math
package mathx

import "math"

// Round rounds x to the given number of decimal places, half away from zero.
// Negative places round to tens, hundreds, and so on.
func Round(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	scale := math.Pow(10, float64(places))
	return math.Round(x*scale) / scale
}
