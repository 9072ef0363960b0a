package newport

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/comm"
	"github.com/nasa-jpl/delayscan/scan"
)

const (
	// DefaultAxis is the axis number of a single-stage DL controller
	DefaultAxis = "1"

	// DefaultBaud is the factory serial rate of the DL controller
	DefaultBaud = 9600

	// ReadWindow bounds the wait for the reply to one command
	ReadWindow = 2 * time.Second
)

// ErrMotionTimeout is generated when the stage does not report motion done
// within the DL225's MotionTimeout
var ErrMotionTimeout = errors.New("stage did not settle before timeout")

var errHardLimit = errors.New(ESPErrorCodesWithAxes[4])

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 100 * time.Millisecond}
}

// DL225 is a Newport DL series delay line on one controller axis
type DL225 struct {
	pool *comm.Pool
	log  *zap.Logger

	// Axis is the axis used by MoveTo, SetMotion and Initialize
	Axis string

	// ReadWindow is the time allowed for a reply to arrive
	ReadWindow time.Duration

	// MotionTimeout bounds WaitStop
	MotionTimeout time.Duration

	// PollInterval is the pause between motion-done queries in WaitStop
	PollInterval time.Duration

	// DrainWindow is how long the line must stay quiet before a command is sent
	DrainWindow time.Duration
}

// NewDL225 returns a stage reached over serial (addr is a device path) or
// TCP (addr is host:port on a terminal server).  baud is ignored for TCP.
func NewDL225(addr string, isSerial bool, baud int, log *zap.Logger) *DL225 {
	var maker comm.CreationFunc
	if isSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr, baud))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	return NewDL225WithMaker(maker, log)
}

// NewDL225WithMaker returns a stage that talks over connections made by maker
func NewDL225WithMaker(maker comm.CreationFunc, log *zap.Logger) *DL225 {
	if log == nil {
		log = zap.NewNop()
	}
	return &DL225{
		pool:          comm.NewPool(1, 30*time.Second, maker),
		log:           log.Named("dl225"),
		Axis:          DefaultAxis,
		ReadWindow:    ReadWindow,
		MotionTimeout: 2 * time.Minute,
		PollInterval:  50 * time.Millisecond,
		DrainWindow:   10 * time.Millisecond,
	}
}

func classify(op string, err error) error {
	kind := scan.ErrDeviceConnection
	if errors.Is(err, comm.ErrNoResponse) || errors.Is(err, comm.ErrTerminatorNotFound) || errors.Is(err, ErrMotionTimeout) {
		kind = scan.ErrDeviceTimeout
	}
	return &scan.DeviceError{Device: "dl225", Op: op, Kind: kind, Err: err}
}

// Raw sends a telegram (without terminators) and returns the reply line.
// A silent controller yields comm.ErrNoResponse.  Input left over from an
// earlier exchange is discarded first, and a query that goes unanswered
// drops its connection, so a late reply never answers a later command.
func (d *DL225) Raw(cmd string) (resp string, err error) {
	conn, err := d.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() {
		if errors.Is(err, comm.ErrNoResponse) && strings.HasSuffix(cmd, "?") {
			d.pool.Destroy(conn)
			return
		}
		d.pool.ReturnWithError(conn, err)
	}()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	wrap.Timeout = d.ReadWindow
	if n, derr := wrap.Drain(d.DrainWindow); derr != nil {
		return "", derr
	} else if n > 0 {
		d.log.Debug("discarded stale input", zap.Int("bytes", n))
	}
	d.log.Debug(">>>", zap.String("cmd", cmd))
	_, err = io.WriteString(wrap, cmd+"\r")
	if err != nil {
		return "", err
	}
	buf := make([]byte, 128)
	n, err := wrap.Read(buf)
	if err != nil {
		return string(buf[:n]), err
	}
	resp = string(buf[:n])
	d.log.Debug("<<<", zap.String("resp", resp))
	return resp, nil
}

// write sends a set or action command.  The controller usually says nothing
// back, so a silent read window is an acknowledgement.
func (d *DL225) write(alias, axis string, hasData bool, data float64) error {
	c := mustCommand(alias)
	tele := makeTelegram(c, axis, hasData, data)
	resp, err := d.Raw(tele)
	if errors.Is(err, comm.ErrNoResponse) {
		d.log.Debug("no response", zap.String("cmd", tele))
		return nil
	}
	if err != nil {
		return classify(tele, pkgerrors.Wrap(err, "dl225 write"))
	}
	if resp != "" {
		d.log.Debug("reply to write", zap.String("cmd", tele), zap.String("resp", resp))
	}
	return nil
}

func (d *DL225) query(alias, axis string) (string, error) {
	c := mustCommand(alias)
	tele := makeTelegram(c, axis, false, 0)
	resp, err := d.Raw(tele)
	if err != nil {
		return "", classify(tele, pkgerrors.Wrap(err, "dl225 query"))
	}
	return parseReply(c, axis, resp), nil
}

func (d *DL225) queryFloat(alias, axis string) (float64, error) {
	s, err := d.query(alias, axis)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "dl225 %s reply %q", alias, s)
	}
	return f, nil
}

// GetPos gets the absolute position of an axis in mm
func (d *DL225) GetPos(axis string) (float64, error) {
	return d.queryFloat("get-position", axis)
}

// MoveAbs starts a move to an absolute position in mm.  It does not wait.
func (d *DL225) MoveAbs(axis string, pos float64) error {
	return d.write("move-abs", axis, true, pos)
}

// MoveRel starts a relative move in mm.  It does not wait.
func (d *DL225) MoveRel(axis string, delta float64) error {
	return d.write("move-rel", axis, true, delta)
}

// Home returns the axis to zero, powering the motor first, and waits for it
func (d *DL225) Home(axis string) error {
	if err := d.write("move-abs", axis, true, 0); err != nil {
		return err
	}
	if err := d.write("motor-on", axis, false, 0); err != nil {
		return err
	}
	return d.WaitStop(axis)
}

// Stop aborts motion on an axis
func (d *DL225) Stop(axis string) error {
	return d.write("stop", axis, false, 0)
}

// SetVelocity sets the velocity setpoint in mm/s
func (d *DL225) SetVelocity(axis string, vel float64) error {
	return d.write("set-velocity", axis, true, vel)
}

// GetVelocity gets the velocity setpoint in mm/s
func (d *DL225) GetVelocity(axis string) (float64, error) {
	return d.queryFloat("get-velocity", axis)
}

// SetAcceleration sets the acceleration in mm/s^2
func (d *DL225) SetAcceleration(axis string, acc float64) error {
	return d.write("set-accel", axis, true, acc)
}

// MotorOn powers the motor of an axis
func (d *DL225) MotorOn(axis string) error {
	return d.write("motor-on", axis, false, 0)
}

// GetInPosition returns true when the axis reports motion done
func (d *DL225) GetInPosition(axis string) (bool, error) {
	s, err := d.query("motion-done", axis)
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// WaitStop issues WS and then polls motion done until the axis stops or
// MotionTimeout elapses.  The controller holds its reply to a motion done
// query while WS is pending, so a silent query means the axis is still moving.
func (d *DL225) WaitStop(axis string) error {
	if err := d.write("wait-stop", axis, false, 0); err != nil {
		return err
	}
	deadline := time.Now().Add(d.MotionTimeout)
	for {
		done, err := d.GetInPosition(axis)
		if err != nil && !errors.Is(err, scan.ErrDeviceTimeout) {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return classify(axis+"WS", ErrMotionTimeout)
		}
		time.Sleep(d.PollInterval)
	}
}

// Initialize applies acceleration and velocity to the stage axis and powers
// the motor, as done once after connecting
func (d *DL225) Initialize(accel, vel float64) error {
	if err := d.SetAcceleration(d.Axis, accel); err != nil {
		return err
	}
	if err := d.SetVelocity(d.Axis, vel); err != nil {
		return err
	}
	return d.MotorOn(d.Axis)
}

// MoveTo moves the stage axis to pos and blocks until it has stopped
func (d *DL225) MoveTo(pos float64) error {
	if err := d.MoveAbs(d.Axis, pos); err != nil {
		return err
	}
	return d.WaitStop(d.Axis)
}

// SetMotion sets velocity and acceleration on the stage axis
func (d *DL225) SetMotion(vel, accel float64) error {
	if err := d.SetAcceleration(d.Axis, accel); err != nil {
		return err
	}
	return d.SetVelocity(d.Axis, vel)
}

// ReadErrors drains the controller error buffer and returns the messages,
// which may be empty.  The slice may be partially filled if a communication
// error is encountered while reading the sequence of errors.
func (d *DL225) ReadErrors() ([]string, error) {
	var msgs []string
	// the buffer holds at most 10 entries
	for i := 0; i < 10; i++ {
		s, err := d.query("err-msg", "")
		if err != nil {
			return msgs, err
		}
		code, msg, err := decodeError(s)
		if err != nil {
			return msgs, pkgerrors.Wrapf(err, "dl225 error reply %q", s)
		}
		if code == 0 {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close releases the connection to the controller
func (d *DL225) Close() error {
	return d.pool.Close()
}

func (d *DL225) String() string {
	return fmt.Sprintf("DL225 axis %s", d.Axis)
}
