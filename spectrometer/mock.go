package spectrometer

import (
	"context"
	"math"
	"sync"
)

// Mock is an in-memory spectrometer
type Mock struct {
	mu     sync.Mutex
	params Params
	closed bool

	wavelengths []float64

	// Source returns the amplitudes for the wavelength axis
	Source func(wavelengths []float64) ([]float64, error)

	// ID is returned by DeviceID
	ID string
}

// NewMock returns a mock with the given calibration and detector length
func NewMock(cal Calibration, pixels int, source func([]float64) ([]float64, error)) *Mock {
	return &Mock{wavelengths: Wavelengths(cal, pixels), Source: source, ID: "MOCK0001"}
}

// SetParams validates and stores p
func (m *Mock) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	return nil
}

// Params returns the parameters in effect
func (m *Mock) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// DeviceID returns ID
func (m *Mock) DeviceID() (string, error) {
	return m.ID, nil
}

// Wavelengths is the wavelength axis in nm
func (m *Mock) Wavelengths() []float64 {
	return append([]float64(nil), m.wavelengths...)
}

// Capture returns Source's spectrum, smoothed per the parameters
func (m *Mock) Capture(ctx context.Context) ([]float64, []float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	amp, err := m.Source(m.Wavelengths())
	if err != nil {
		return nil, nil, err
	}
	amp, err = Smooth(amp, m.Params().Smoothing)
	if err != nil {
		return nil, nil, err
	}
	return m.Wavelengths(), amp, nil
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

// ShiftingLine simulates a spectral line whose height follows a gaussian
// of the stage position, as a pump-probe overlap would
type ShiftingLine struct {
	Position func() float64

	CenterMM, WidthMM float64
	LineNM, LineFWHM  float64
	Counts, Floor     float64
}

// Spectrum is a Mock Source
func (l ShiftingLine) Spectrum(wl []float64) ([]float64, error) {
	x := (l.Position() - l.CenterMM) / l.WidthMM
	height := l.Counts * math.Exp(-x*x/2)
	sigma := l.LineFWHM / 2.355
	out := make([]float64, len(wl))
	for i, w := range wl {
		d := (w - l.LineNM) / sigma
		out[i] = l.Floor + height*math.Exp(-d*d/2)
	}
	return out, nil
}
