package spectrometer

import (
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// SmoothingWindows maps a smoothing level to the width in pixels of the
// moving average applied to each spectrum
var SmoothingWindows = map[int]int{0: 1, 1: 5, 2: 9, 3: 17, 4: 33}

// Calibration holds the four wavelength calibration coefficients stored
// with each spectrometer
type Calibration [4]float64

// Wavelengths returns the wavelength in nm of each of the pixels,
//
//	λ(p) = c1·p³/8 + c2·p²/4 + c3·p/2 + c4
func Wavelengths(c Calibration, pixels int) []float64 {
	out := make([]float64, pixels)
	for i := range out {
		p := float64(i)
		out[i] = c[0]*p*p*p/8 + c[1]*p*p/4 + c[2]*p/2 + c[3]
	}
	return out
}

// Smooth returns the moving average of x over the window for level.
// Near the edges the window shrinks to the samples available.
func Smooth(x []float64, level int) ([]float64, error) {
	w, ok := SmoothingWindows[level]
	if !ok {
		return nil, fmt.Errorf("smoothing level %d outside 0..4", level)
	}
	out := make([]float64, len(x))
	if w == 1 {
		copy(out, x)
		return out, nil
	}
	half := w / 2
	for i := range x {
		lo, hi := i-half, i+half+1
		if lo < 0 {
			lo = 0
		}
		if hi > len(x) {
			hi = len(x)
		}
		out[i] = floats.Sum(x[lo:hi]) / float64(hi-lo)
	}
	return out, nil
}

// DecodeFrame converts a raw frame of little-endian uint16 counts
func DecodeFrame(b []byte, pixels int) ([]float64, error) {
	if len(b) < 2*pixels {
		return nil, fmt.Errorf("frame has %d bytes, need %d for %d pixels", len(b), 2*pixels, pixels)
	}
	out := make([]float64, pixels)
	for i := range out {
		out[i] = float64(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// averageFrames returns the pixelwise mean of frames, which must all be the
// same length
func averageFrames(frames [][]float64) []float64 {
	if len(frames) == 0 {
		return nil
	}
	sum := make([]float64, len(frames[0]))
	for _, f := range frames {
		floats.Add(sum, f)
	}
	floats.Scale(1/float64(len(frames)), sum)
	return sum
}
