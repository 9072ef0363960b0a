package scan

import (
	"fmt"
	"strings"
)

// SpeedOfLight is the vacuum speed of light used for delay conversion, m/s.
// No group index correction is applied.
const SpeedOfLight = 3e8

// PathFactor is the number of times light traverses the stage displacement
type PathFactor int

const (
	// OneWay is a single pass over the delay line
	OneWay PathFactor = 1

	// RoundTrip is a free-space double pass, as with a retroreflector
	RoundTrip PathFactor = 2
)

func (f PathFactor) String() string {
	switch f {
	case OneWay:
		return "one-way"
	case RoundTrip:
		return "round-trip"
	default:
		return fmt.Sprintf("PathFactor(%d)", int(f))
	}
}

// ParsePathFactor converts "one-way" or "round-trip" (or 1, 2) to a PathFactor
func ParsePathFactor(s string) (PathFactor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one-way", "oneway", "1":
		return OneWay, nil
	case "round-trip", "roundtrip", "double-pass", "2":
		return RoundTrip, nil
	case "":
		return 0, invalid("path factor is not set; choose one-way or round-trip for this optical setup")
	default:
		return 0, invalid("unknown path factor %q", s)
	}
}

// ToDelayPS converts a stage position to optical delay in picoseconds
// relative to referenceMM
func ToDelayPS(positionMM, referenceMM float64, factor PathFactor) float64 {
	relative := positionMM - referenceMM
	return (float64(factor) * relative / 1000) / SpeedOfLight * 1e12
}
