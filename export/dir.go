package export

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/scan"
)

const (
	// LockInFile is the workbook name for lock-in scans
	LockInFile = "RTA_readings.xlsx"

	// SpectralFile is the workbook name for spectral scans
	SpectralFile = "Spectrometer_readings.xlsx"
)

// Dir writes results into a directory.  Existing files of the same name are
// replaced.
type Dir struct {
	Path string

	// Plot also writes a PNG next to lock-in workbooks
	Plot bool

	// FITS also writes a FITS file next to spectral workbooks
	FITS bool

	Log *zap.Logger
}

func (d Dir) prepare(name string) (string, error) {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}
	return filepath.Join(d.Path, name), nil
}

func (d Dir) info(msg string, fields ...zap.Field) {
	if d.Log != nil {
		d.Log.Info(msg, fields...)
	}
}

func swapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// WriteLockIn writes res to LockInFile and returns its path
func (d Dir) WriteLockIn(res scan.Result) (string, error) {
	path, err := d.prepare(LockInFile)
	if err != nil {
		return "", err
	}
	if err := WriteLockIn(path, res); err != nil {
		return "", err
	}
	d.info("wrote lock-in scan", zap.String("file", path), zap.Int("rows", len(res.Rows)))
	if d.Plot && len(res.Rows) > 0 {
		png := swapExt(path, ".png")
		if err := SavePlot(png, res); err != nil {
			return path, errors.Wrap(err, "plot")
		}
		d.info("wrote plot", zap.String("file", png))
	}
	return path, nil
}

// WriteSpectral writes res to SpectralFile and returns its path
func (d Dir) WriteSpectral(res scan.SpectralResult) (path string, err error) {
	path, err = d.prepare(SpectralFile)
	if err != nil {
		return "", err
	}
	if err := WriteSpectral(path, res); err != nil {
		return "", err
	}
	d.info("wrote spectral scan", zap.String("file", path), zap.Int("spectra", len(res.Rows)))
	if !d.FITS {
		return path, nil
	}
	name := swapExt(path, ".fits")
	f, err := os.Create(name)
	if err != nil {
		return path, errors.Wrap(err, "fits")
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	if err := WriteSpectralFITS(f, res); err != nil {
		return path, errors.Wrapf(err, "write %s", name)
	}
	d.info("wrote fits", zap.String("file", name))
	return path, nil
}
