package lockin

import (
	"context"
	"math"
	"sync"
	"time"
)

// Mock is an in-memory lock-in.  Readings come from Source.
type Mock struct {
	mu       sync.Mutex
	baseline map[int]bool
	reads    int
	closed   bool

	// Source produces the reading of a boxcar in mV
	Source func(boxcar int) (float64, error)
}

// NewMock returns a mock whose boxcars read from source
func NewMock(source func(boxcar int) (float64, error)) *Mock {
	return &Mock{Source: source, baseline: map[int]bool{}}
}

// ReadBoxcar returns Source(boxcar)
func (m *Mock) ReadBoxcar(boxcar int) (float64, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	if m.Source == nil {
		return 0, ErrNoReading
	}
	return m.Source(boxcar)
}

// SetBaseline records the baseline state of a boxcar
func (m *Mock) SetBaseline(boxcar int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline[boxcar] = on
	return nil
}

// GetBaseline returns the baseline state of a boxcar
func (m *Mock) GetBaseline(boxcar int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline[boxcar], nil
}

// AverageBoxcar averages Source like the real amplifier does
func (m *Mock) AverageBoxcar(ctx context.Context, boxcar int, d, interval time.Duration) (float64, error) {
	return Average(ctx, func() (float64, error) { return m.ReadBoxcar(boxcar) }, d, interval)
}

// Reads is the number of ReadBoxcar calls so far
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Close marks the mock closed
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports if Close was called
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// PumpProbe simulates a pump-probe transient seen through the boxcars.
// The T boxcar reads refMV plus a gaussian of amplitude ampMV centred on
// centerMM of the stage position; R reads a tenth of it, inverted.
type PumpProbe struct {
	// Position returns the current stage position in mm
	Position func() float64

	CenterMM float64
	WidthMM  float64
	AmpMV    float64
	RefMV    float64
}

// Read is a Mock Source
func (p PumpProbe) Read(boxcar int) (float64, error) {
	x := (p.Position() - p.CenterMM) / p.WidthMM
	signal := p.AmpMV * math.Exp(-x*x/2)
	if boxcar == BoxcarR {
		return -signal / 10, nil
	}
	return p.RefMV + signal, nil
}
