package scan

import (
	"fmt"
	"math"
	"strings"
)

// PeakPolicy chooses which row of a scan is the signal peak
type PeakPolicy int

const (
	// ExtremalMagnitude picks the row with the largest |dT|, positive or negative
	ExtremalMagnitude PeakPolicy = iota + 1

	// MaximumValue picks the row with the most positive dT
	MaximumValue
)

func (p PeakPolicy) String() string {
	switch p {
	case ExtremalMagnitude:
		return "extremal-magnitude"
	case MaximumValue:
		return "maximum-value"
	default:
		return fmt.Sprintf("PeakPolicy(%d)", int(p))
	}
}

// ParsePeakPolicy converts "extremal-magnitude" or "maximum-value" to a PeakPolicy
func ParsePeakPolicy(s string) (PeakPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "extremal-magnitude", "abs", "magnitude":
		return ExtremalMagnitude, nil
	case "maximum-value", "max", "maximum":
		return MaximumValue, nil
	case "":
		return 0, invalid("peak policy is not set; choose extremal-magnitude or maximum-value")
	default:
		return 0, invalid("unknown peak policy %q", s)
	}
}

// SelectPeak returns the index of the peak row under policy.  Ties resolve to
// the earliest row.
func SelectPeak(rows []Row, policy PeakPolicy) (int, error) {
	if len(rows) == 0 {
		return -1, ErrEmptyScanResult
	}
	var key func(float64) float64
	switch policy {
	case ExtremalMagnitude:
		key = math.Abs
	case MaximumValue:
		key = func(f float64) float64 { return f }
	default:
		return -1, invalid("unknown peak policy %v", policy)
	}
	best := 0
	bestV := key(rows[0].DTMV)
	for i := 1; i < len(rows); i++ {
		if v := key(rows[i].DTMV); v > bestV {
			best, bestV = i, v
		}
	}
	return best, nil
}

// Rereference finds the peak row and rewrites DelayPS of every row relative
// to positions[peak].  Delays are recomputed from the row positions, so
// calling it again with the same inputs changes nothing.
func Rereference(rows []Row, positions []float64, policy PeakPolicy, factor PathFactor) (int, error) {
	idx, err := SelectPeak(rows, policy)
	if err != nil {
		return idx, err
	}
	if idx >= len(positions) {
		return -1, invalid("peak index %d outside %d planned positions", idx, len(positions))
	}
	peak := positions[idx]
	for i := range rows {
		rows[i].DelayPS = ToDelayPS(rows[i].PositionMM, peak, factor)
	}
	return idx, nil
}
