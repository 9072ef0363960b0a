package scan

import "fmt"

// SpectralRow is one spectrum captured at one stage position
type SpectralRow struct {
	PositionMM float64
	DelayPS    float64
	Amplitudes []float64
}

// SpectralResult is a finished spectrometer scan
type SpectralResult struct {
	Wavelengths []float64
	Rows        []SpectralRow
	Factor      PathFactor
}

// SpectralRecorder accumulates spectra in scan order.  Delays are relative to
// StartMM.
type SpectralRecorder struct {
	StartMM     float64
	Factor      PathFactor
	Wavelengths []float64

	rows []SpectralRow
}

// Record appends a spectrum.  The amplitude count must match the wavelength
// axis fixed by the first spectrum (or by Wavelengths, if set).
func (s *SpectralRecorder) Record(positionMM float64, wavelengths, amplitudes []float64) (SpectralRow, error) {
	if len(wavelengths) != len(amplitudes) {
		return SpectralRow{}, fmt.Errorf("spectrum at %v mm has %d wavelengths but %d amplitudes", positionMM, len(wavelengths), len(amplitudes))
	}
	if s.Wavelengths == nil {
		s.Wavelengths = append([]float64(nil), wavelengths...)
	} else if len(s.Wavelengths) != len(amplitudes) {
		return SpectralRow{}, fmt.Errorf("spectrum at %v mm has %d points, expected %d", positionMM, len(amplitudes), len(s.Wavelengths))
	}
	row := SpectralRow{
		PositionMM: positionMM,
		DelayPS:    ToDelayPS(positionMM, s.StartMM, s.Factor),
		Amplitudes: append([]float64(nil), amplitudes...),
	}
	s.rows = append(s.rows, row)
	return row, nil
}

// Len is the number of spectra recorded
func (s *SpectralRecorder) Len() int {
	return len(s.rows)
}

// Result returns the recorded spectra
func (s *SpectralRecorder) Result() SpectralResult {
	rows := make([]SpectralRow, len(s.rows))
	copy(rows, s.rows)
	return SpectralResult{Wavelengths: s.Wavelengths, Rows: rows, Factor: s.Factor}
}
