/*Package lockin reads the boxcar integrators of a Zurich Instruments UHFLI
lock-in amplifier.

The amplifier is reached through a LabOne node bridge: a TCP service that
accepts one command per line and answers with one line,

	connectDevice dev2025 1GbE   -> ok
	getDouble /dev2025/boxcars/0/value   -> 0.0123
	setInt /dev2025/boxcars/0/baseline 1   -> ok
	disconnectDevice dev2025   -> ok

Failures are answered with a line starting with "error".  Boxcar values are
volts on the wire and millivolts in this package.
*/
package lockin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/delayscan/comm"
	"github.com/nasa-jpl/delayscan/scan"
)

const (
	// BoxcarT is the boxcar integrating the transmitted beam
	BoxcarT = 0

	// BoxcarR is the boxcar integrating the reflected beam
	BoxcarR = 1

	// DefaultInterface is the physical link to the instrument
	DefaultInterface = "1GbE"
)

// ErrNoReading is generated when a boxcar value does not arrive within the
// read window.  It is never reported as a zero reading.
var ErrNoReading = errors.New("no boxcar reading before timeout")

// UHFLI is a lock-in amplifier behind a node bridge
type UHFLI struct {
	pool *comm.Pool
	log  *zap.Logger

	// Device is the LabOne device id, e.g. dev2025
	Device string

	// Interface is the link type passed to connectDevice
	Interface string

	// ReadWindow is the time allowed for each reply
	ReadWindow time.Duration

	// DrainWindow is how long the link must stay quiet before a command is sent
	DrainWindow time.Duration
}

// NewUHFLI returns a lock-in reached through the bridge at addr (host:port)
func NewUHFLI(addr, device, iface string, log *zap.Logger) *UHFLI {
	return NewUHFLIWithMaker(comm.BackingOffTCPConnMaker(addr, 3*time.Second), device, iface, log)
}

// NewUHFLIWithMaker returns a lock-in that talks over connections made by maker
func NewUHFLIWithMaker(maker comm.CreationFunc, device, iface string, log *zap.Logger) *UHFLI {
	if log == nil {
		log = zap.NewNop()
	}
	if iface == "" {
		iface = DefaultInterface
	}
	return &UHFLI{
		pool:        comm.NewPool(1, time.Minute, maker),
		log:         log.Named("uhfli"),
		Device:      device,
		Interface:   iface,
		ReadWindow:  2 * time.Second,
		DrainWindow: 5 * time.Millisecond,
	}
}

func classify(op string, err error) error {
	kind := scan.ErrDeviceConnection
	if errors.Is(err, ErrNoReading) || errors.Is(err, comm.ErrNoResponse) || errors.Is(err, comm.ErrTerminatorNotFound) {
		kind = scan.ErrDeviceTimeout
	}
	return &scan.DeviceError{Device: "uhfli", Op: op, Kind: kind, Err: err}
}

// Raw sends one bridge command and returns the reply line.  A reply that
// misses its window drops the connection with it, so it cannot answer the
// next command.
func (u *UHFLI) Raw(cmd string) (resp string, err error) {
	conn, err := u.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() {
		if errors.Is(err, comm.ErrNoResponse) || errors.Is(err, comm.ErrTerminatorNotFound) {
			u.pool.Destroy(conn)
			return
		}
		u.pool.ReturnWithError(conn, err)
	}()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	wrap.Timeout = u.ReadWindow
	if n, derr := wrap.Drain(u.DrainWindow); derr != nil {
		return "", derr
	} else if n > 0 {
		u.log.Debug("discarded stale input", zap.Int("bytes", n))
	}
	u.log.Debug(">>>", zap.String("cmd", cmd))
	_, err = io.WriteString(wrap, cmd)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 256)
	n, err := wrap.Read(buf)
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(string(buf[:n]))
	u.log.Debug("<<<", zap.String("resp", resp))
	if strings.HasPrefix(resp, "error") {
		return resp, fmt.Errorf("bridge: %s", strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(resp, "error"), ":")))
	}
	return resp, nil
}

func (u *UHFLI) expectOK(cmd string) error {
	resp, err := u.Raw(cmd)
	if err != nil {
		return classify(cmd, pkgerrors.Wrap(err, "uhfli"))
	}
	if resp != "ok" {
		return classify(cmd, fmt.Errorf("expected ok, got %q", resp))
	}
	return nil
}

// Connect attaches the bridge session to the device
func (u *UHFLI) Connect() error {
	return u.expectOK(fmt.Sprintf("connectDevice %s %s", u.Device, u.Interface))
}

func (u *UHFLI) boxcarNode(boxcar int, leaf string) string {
	return fmt.Sprintf("/%s/boxcars/%d/%s", u.Device, boxcar, leaf)
}

// ReadBoxcar returns the current value of a boxcar in mV.  A reply that
// does not arrive in time is ErrNoReading.
func (u *UHFLI) ReadBoxcar(boxcar int) (float64, error) {
	cmd := "getDouble " + u.boxcarNode(boxcar, "value")
	resp, err := u.Raw(cmd)
	if errors.Is(err, comm.ErrNoResponse) || errors.Is(err, comm.ErrTerminatorNotFound) {
		return 0, classify(cmd, pkgerrors.Wrapf(ErrNoReading, "boxcar %d", boxcar))
	}
	if err != nil {
		return 0, classify(cmd, pkgerrors.Wrap(err, "uhfli"))
	}
	volts, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "uhfli boxcar %d reply %q", boxcar, resp)
	}
	return volts * 1000, nil
}

// SetBaseline turns baseline subtraction on a boxcar on or off
func (u *UHFLI) SetBaseline(boxcar int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return u.expectOK(fmt.Sprintf("setInt %s %d", u.boxcarNode(boxcar, "baseline"), v))
}

// GetBaseline reports if baseline subtraction is on for a boxcar
func (u *UHFLI) GetBaseline(boxcar int) (bool, error) {
	cmd := "getInt " + u.boxcarNode(boxcar, "baseline")
	resp, err := u.Raw(cmd)
	if err != nil {
		return false, classify(cmd, pkgerrors.Wrap(err, "uhfli"))
	}
	return resp == "1", nil
}

// AverageBoxcar averages a boxcar over d, sampling every interval
func (u *UHFLI) AverageBoxcar(ctx context.Context, boxcar int, d, interval time.Duration) (float64, error) {
	return Average(ctx, func() (float64, error) { return u.ReadBoxcar(boxcar) }, d, interval)
}

// Close detaches the device and drops the bridge connection
func (u *UHFLI) Close() error {
	err := u.expectOK("disconnectDevice " + u.Device)
	if cerr := u.pool.Close(); err == nil {
		err = cerr
	}
	return err
}

// Average calls read d/interval times (at least once), paced by interval,
// and returns the mean.  Any failed read aborts the average.
func Average(ctx context.Context, read func() (float64, error), d, interval time.Duration) (float64, error) {
	n := 1
	if interval > 0 {
		n = int(d / interval)
		if n < 1 {
			n = 1
		}
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	if interval <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if err := lim.Wait(ctx); err != nil {
			return 0, err
		}
		v, err := read()
		if err != nil {
			return 0, err
		}
		samples = append(samples, v)
	}
	return stat.Mean(samples, nil), nil
}
