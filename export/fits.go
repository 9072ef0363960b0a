package export

import (
	"io"
	"math"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/delayscan/scan"
)

// WriteSpectralFITS streams a spectral result to w as a single 64-bit float
// image laid out like the spectral sheet: NAXIS1 is 2+len(Wavelengths),
// NAXIS2 is 1+len(Rows).  The first row holds the wavelengths after two NaN
// cells; each following row is position, delay, then the amplitudes.
func WriteSpectralFITS(w io.Writer, res scan.SpectralResult) error {
	width := len(res.Wavelengths) + 2
	height := len(res.Rows) + 1
	data := make([]float64, width*height)
	data[0], data[1] = math.NaN(), math.NaN()
	copy(data[2:width], res.Wavelengths)
	for i, r := range res.Rows {
		if len(r.Amplitudes) != len(res.Wavelengths) {
			return errors.Errorf("spectrum %d has %d points, expected %d", i, len(r.Amplitudes), len(res.Wavelengths))
		}
		off := (i + 1) * width
		data[off] = r.PositionMM
		data[off+1] = r.DelayPS
		copy(data[off+2:off+width], r.Amplitudes)
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, height})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "DATE", Value: time.Now().UTC().Format("2006-01-02T15:04:05"), Comment: "file creation date (UTC)"},
		fitsio.Card{Name: "PATHFACT", Value: int(res.Factor), Comment: "optical passes over the stage displacement"},
		fitsio.Card{Name: "NSPECTRA", Value: len(res.Rows)},
		fitsio.Card{Name: "NWAVE", Value: len(res.Wavelengths)},
		fitsio.Card{Name: "BUNIT", Value: "counts"},
	)
	if err != nil {
		return err
	}
	if err = im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}
