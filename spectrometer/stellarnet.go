/*Package spectrometer drives StellarNet USB spectrometers through libusb.

A capture triggers one exposure per scan to average with a vendor control
transfer, reads each frame of Pixels little-endian counts from the bulk-in
endpoint, averages the frames and applies the configured smoothing.  The
wavelength axis comes from the four coefficient calibration of the unit.
*/
package spectrometer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/scan"
)

const (
	// VendorID is StellarNet's USB vendor id
	VendorID = 0x0BD7

	// ProductID is the product id of a spectrometer with firmware loaded
	ProductID = 0xA012

	// DefaultPixels is the detector length of most StellarNet units
	DefaultPixels = 2048

	bulkInEndpoint = 8

	// vendor requests
	reqSetIntegration = 0xB2
	reqSetXTiming     = 0xB4
	reqTrigger        = 0xB3
)

// Params are the acquisition parameters of a spectrometer
type Params struct {
	// IntegrationMS is the exposure time of one scan
	IntegrationMS int `koanf:"integrationMs" yaml:"integrationMs"`

	// ScansToAverage is the number of scans averaged into one spectrum
	ScansToAverage int `koanf:"scansToAverage" yaml:"scansToAverage"`

	// XTiming is the digitizer clock rate, 1 (slow) to 3 (fast)
	XTiming int `koanf:"xTiming" yaml:"xTiming"`

	// Smoothing is the moving average level, 0 (off) to 4
	Smoothing int `koanf:"smoothing" yaml:"smoothing"`

	// Channel is the detector channel of multi-channel units
	Channel int `koanf:"channel" yaml:"channel"`
}

// Validate returns an error if any parameter is outside what the hardware accepts
func (p Params) Validate() error {
	switch {
	case p.IntegrationMS < 2 || p.IntegrationMS > 65535:
		return fmt.Errorf("integration time %d ms outside 2..65535", p.IntegrationMS)
	case p.ScansToAverage < 1:
		return fmt.Errorf("scans to average must be at least 1, got %d", p.ScansToAverage)
	case p.XTiming < 1 || p.XTiming > 3:
		return fmt.Errorf("xtiming %d outside 1..3", p.XTiming)
	case p.Channel < 0:
		return fmt.Errorf("channel %d is negative", p.Channel)
	}
	if _, ok := SmoothingWindows[p.Smoothing]; !ok {
		return fmt.Errorf("smoothing level %d outside 0..4", p.Smoothing)
	}
	return nil
}

// DeviceInfo describes an attached spectrometer
type DeviceInfo struct {
	Bus     int
	Address int
	Vendor  gousb.ID
	Product gousb.ID
	Serial  string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("bus %03d address %03d %s:%s serial %q", d.Bus, d.Address, d.Vendor, d.Product, d.Serial)
}

func isStellarNet(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
}

// Devices lists the attached StellarNet spectrometers
func Devices() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(isStellarNet)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, pkgerrors.Wrap(err, "enumerating usb devices")
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		sn, _ := d.SerialNumber()
		out = append(out, DeviceInfo{Bus: d.Desc.Bus, Address: d.Desc.Address, Vendor: d.Desc.Vendor, Product: d.Desc.Product, Serial: sn})
	}
	return out, nil
}

// StellarNet is an open spectrometer
type StellarNet struct {
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	closer func()
	log    *zap.Logger

	params      Params
	wavelengths []float64

	// Pixels is the detector length
	Pixels int
}

func deviceErr(op string, err error) error {
	return &scan.DeviceError{Device: "stellarnet", Op: op, Kind: scan.ErrDeviceConnection, Err: err}
}

// Open opens the first attached spectrometer
func Open(cal Calibration, pixels int, log *zap.Logger) (*StellarNet, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if pixels <= 0 {
		pixels = DefaultPixels
	}
	s := &StellarNet{ctx: gousb.NewContext(), log: log.Named("stellarnet"), Pixels: pixels}
	var err error
	s.device, err = s.ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err == nil && s.device == nil {
		err = fmt.Errorf("no spectrometer with id %04x:%04x attached", VendorID, ProductID)
	}
	if err != nil {
		s.ctx.Close()
		return nil, deviceErr("open", err)
	}
	if err = s.device.SetAutoDetach(true); err != nil {
		s.Close()
		return nil, deviceErr("open", err)
	}
	s.iface, s.closer, err = s.device.DefaultInterface()
	if err != nil {
		s.Close()
		return nil, deviceErr("claim interface", err)
	}
	s.in, err = s.iface.InEndpoint(bulkInEndpoint)
	if err != nil {
		s.Close()
		return nil, deviceErr("open endpoint", err)
	}
	s.wavelengths = Wavelengths(cal, pixels)
	return s, nil
}

func (s *StellarNet) vendorOut(request uint8, val, idx uint16) error {
	_, err := s.device.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, request, val, idx, nil)
	return err
}

// SetParams applies acquisition parameters to the spectrometer
func (s *StellarNet) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.vendorOut(reqSetIntegration, uint16(p.IntegrationMS), 0); err != nil {
		return deviceErr("set integration time", err)
	}
	if err := s.vendorOut(reqSetXTiming, uint16(p.XTiming), 0); err != nil {
		return deviceErr("set xtiming", err)
	}
	s.device.ControlTimeout = frameTimeout(p)
	s.params = p
	s.log.Info("parameters set",
		zap.Int("integration_ms", p.IntegrationMS),
		zap.Int("scans", p.ScansToAverage),
		zap.Int("xtiming", p.XTiming),
		zap.Int("smoothing", p.Smoothing))
	return nil
}

// Params returns the parameters in effect
func (s *StellarNet) Params() Params {
	return s.params
}

// DeviceID returns the serial number of the spectrometer
func (s *StellarNet) DeviceID() (string, error) {
	sn, err := s.device.SerialNumber()
	if err != nil {
		return "", deviceErr("read serial", err)
	}
	return sn, nil
}

// Wavelengths is the calibrated wavelength axis in nm
func (s *StellarNet) Wavelengths() []float64 {
	return append([]float64(nil), s.wavelengths...)
}

// ReadoutMargin is allowed on top of the integration time for one frame to
// arrive before the read is abandoned
const ReadoutMargin = time.Second

// frameTimeout bounds the wait for one frame exposed for p.IntegrationMS
func frameTimeout(p Params) time.Duration {
	return time.Duration(p.IntegrationMS)*time.Millisecond + ReadoutMargin
}

// contextReader is a bulk-in endpoint; gousb.InEndpoint satisfies it
type contextReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// readFull fills frame from r within timeout.  A frame that does not arrive
// in time is a scan.ErrDeviceTimeout; cancellation of ctx is returned as is.
func readFull(ctx context.Context, r contextReader, frame []byte, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	got := 0
	for got < len(frame) {
		n, err := r.ReadContext(tctx, frame[got:])
		got += n
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if tctx.Err() != nil {
				err = pkgerrors.Wrapf(tctx.Err(), "%d of %d bytes after %v", got, len(frame), timeout)
			}
			return &scan.DeviceError{Device: "stellarnet", Op: "read frame", Kind: scan.ErrDeviceTimeout, Err: err}
		}
		if n == 0 {
			return &scan.DeviceError{Device: "stellarnet", Op: "read frame", Kind: scan.ErrDeviceTimeout, Err: fmt.Errorf("short frame, %d of %d bytes", got, len(frame))}
		}
	}
	return nil
}

func (s *StellarNet) readFrame(ctx context.Context) ([]float64, error) {
	if err := s.vendorOut(reqTrigger, 1, uint16(s.params.Channel)); err != nil {
		return nil, deviceErr("trigger", err)
	}
	frame := make([]byte, 2*s.Pixels)
	if err := readFull(ctx, s.in, frame, frameTimeout(s.params)); err != nil {
		return nil, err
	}
	return DecodeFrame(frame, s.Pixels)
}

// Capture acquires one averaged, smoothed spectrum.  It returns the
// wavelength axis and the amplitude at each wavelength.
func (s *StellarNet) Capture(ctx context.Context) ([]float64, []float64, error) {
	if s.params.ScansToAverage == 0 {
		return nil, nil, fmt.Errorf("spectrometer parameters not set")
	}
	frames := make([][]float64, 0, s.params.ScansToAverage)
	for i := 0; i < s.params.ScansToAverage; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		f, err := s.readFrame(ctx)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, f)
	}
	amp, err := Smooth(averageFrames(frames), s.params.Smoothing)
	if err != nil {
		return nil, nil, err
	}
	return s.Wavelengths(), amp, nil
}

// Close releases the interface, device and usb context
func (s *StellarNet) Close() error {
	if s.closer != nil {
		s.closer()
		s.closer = nil
	}
	var err error
	if s.device != nil {
		err = s.device.Close()
		s.device = nil
	}
	if s.ctx != nil {
		if cerr := s.ctx.Close(); err == nil {
			err = cerr
		}
		s.ctx = nil
	}
	return err
}
