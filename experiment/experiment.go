/*Package experiment runs delay scans: it owns the stage, lock-in and
spectrometer for the duration of a procedure, steps the stage through the
planned positions, feeds readings to a recorder and hands the finished result
to a sink.

Devices are used through the small capability interfaces below, so a
procedure runs the same against hardware or mocks.  Whatever happens, a
Runner's devices are released by Close, which every procedure calls on its
way out.
*/
package experiment

import (
	"context"
	"io"
	"time"

	"github.com/nasa-jpl/delayscan/catalog"
	"github.com/nasa-jpl/delayscan/scan"
	"github.com/nasa-jpl/delayscan/spectrometer"
	"github.com/nasa-jpl/delayscan/util"
)

// Stage is a delay stage
type Stage interface {
	// MoveTo moves to an absolute position in mm and returns once the stage
	// has acknowledged the end of motion
	MoveTo(pos float64) error

	// SetMotion sets velocity (mm/s) and acceleration (mm/s^2)
	SetMotion(vel, accel float64) error

	io.Closer
}

// BoxcarReader is a lock-in amplifier with boxcar integrators
type BoxcarReader interface {
	// ReadBoxcar returns a boxcar value in mV
	ReadBoxcar(boxcar int) (float64, error)

	// AverageBoxcar averages a boxcar over d sampling every interval
	AverageBoxcar(ctx context.Context, boxcar int, d, interval time.Duration) (float64, error)

	// SetBaseline toggles baseline subtraction on a boxcar
	SetBaseline(boxcar int, on bool) error

	io.Closer
}

// SpectrumCapturer is a spectrometer
type SpectrumCapturer interface {
	SetParams(spectrometer.Params) error
	DeviceID() (string, error)

	// Capture returns the wavelength axis and amplitudes of one spectrum
	Capture(ctx context.Context) ([]float64, []float64, error)

	io.Closer
}

// Prompter asks the operator for input.  The asking methods return
// ctx.Err() as soon as ctx is done, without waiting for an answer.
type Prompter interface {
	Say(format string, args ...interface{})
	Pause(ctx context.Context, msg string) error
	YesNo(ctx context.Context, msg string) (bool, error)
	Float(ctx context.Context, msg string) (float64, error)
	Int(ctx context.Context, msg string) (int, error)
	Spin(msg string, fn func() error) error
}

// StepObserver is told about every recorded row, in order, from the scan
// loop itself.  index equals the number of rows recorded before this one.
type StepObserver interface {
	OnStep(index int, row scan.Row) error
}

// Sink stores finished results and returns where they went
type Sink interface {
	WriteLockIn(res scan.Result) (string, error)
	WriteSpectral(res scan.SpectralResult) (string, error)
}

// RunRecorder logs runs, see catalog.Store
type RunRecorder interface {
	Record(ctx context.Context, run *catalog.Run) error
}

// Settings are the knobs of a procedure
type Settings struct {
	// Precision is the decimal places positions are rounded to
	Precision int

	// Factor converts stage displacement to optical path
	Factor scan.PathFactor

	// Policy picks the peak the delay axis is referenced to
	Policy scan.PeakPolicy

	// Settle is the pause after each move before reading
	Settle time.Duration

	// ExportPartial exports the rows gathered before a failure
	ExportPartial bool

	// AverageFor and AverageEvery pace the reference readings
	AverageFor, AverageEvery time.Duration

	// Limits are the soft travel limits of the stage
	Limits util.Limiter

	// ScanVelocity and ScanAccel are the stage motion during a scan
	ScanVelocity, ScanAccel float64

	// SweepVelocity and SweepAccel are the stage motion during a quick sweep
	SweepVelocity, SweepAccel float64

	// SweepPause is the pause at each quick sweep position
	SweepPause time.Duration

	// Spectrometer holds the acquisition parameters of spectral scans
	Spectrometer spectrometer.Params
}

// DefaultSettings returns the settings the bench runs with.  Factor and
// Policy are left unset on purpose; they depend on the optical layout.
func DefaultSettings() Settings {
	return Settings{
		Precision:     scan.DefaultPrecision,
		Settle:        400 * time.Millisecond,
		AverageFor:    5 * time.Second,
		AverageEvery:  100 * time.Millisecond,
		Limits:        util.Limiter{Min: 0, Max: 225},
		ScanVelocity:  0.02,
		ScanAccel:     100,
		SweepVelocity: 1,
		SweepAccel:    100,
		SweepPause:    200 * time.Millisecond,
		Spectrometer:  spectrometer.Params{IntegrationMS: 100, ScansToAverage: 1, XTiming: 3},
	}
}
