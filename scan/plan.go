// Package scan holds the device-free core of a stepped delay scan: planning
// stage positions, converting them to optical delay, recording boxcar
// readings as percentages of a reference transmission, and re-referencing the
// delay axis to the signal peak.
package scan

import (
	"math"

	"github.com/nasa-jpl/delayscan/mathx"
)

// DefaultPrecision is the number of decimal places stage positions are
// rounded to when no other precision is configured
const DefaultPrecision = 2

// Plan is a linear scan from StartMM to StopMM (inclusive) in Steps positions
type Plan struct {
	StartMM float64
	StopMM  float64
	Steps   int
}

// StepSize is the distance between consecutive positions in mm
func (p Plan) StepSize() float64 {
	return (p.StopMM - p.StartMM) / float64(p.Steps-1)
}

// Validate returns ErrInvalidScanParameters if the plan cannot be stepped
func (p Plan) Validate() error {
	if p.Steps < 2 {
		return invalid("number of steps must be at least 2, got %d", p.Steps)
	}
	if !finite(p.StartMM) || !finite(p.StopMM) {
		return invalid("scan bounds must be finite, got %v to %v", p.StartMM, p.StopMM)
	}
	return nil
}

// Planner turns a Plan into stage positions
type Planner struct {
	// Precision is the number of decimal places positions are rounded to.
	// This is a storage convention, not a property of the stage.
	Precision int
}

// Plan returns the steps positions from start to stop, rounded to the
// planner's precision
func (pl Planner) Plan(start, stop float64, steps int) ([]float64, error) {
	p := Plan{StartMM: start, StopMM: stop, Steps: steps}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	step := p.StepSize()
	out := make([]float64, steps)
	for i := range out {
		out[i] = mathx.Round(start+float64(i)*step, pl.Precision)
	}
	return out, nil
}

// SweepPositions returns the coarse positions start, start+step, ... up to
// and including stop, rounded to precision.  Used for finding the overlap
// before a fine scan.
func SweepPositions(start, stop, step float64, precision int) ([]float64, error) {
	if !finite(start) || !finite(stop) || !finite(step) {
		return nil, invalid("sweep bounds must be finite")
	}
	if step <= 0 {
		return nil, invalid("sweep step must be positive, got %v", step)
	}
	if stop < start {
		return nil, invalid("sweep stop %v is before start %v", stop, start)
	}
	// count from the index so float accumulation cannot drop the last position
	n := int(math.Floor((stop-start)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = mathx.Round(start+float64(i)*step, precision)
	}
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
