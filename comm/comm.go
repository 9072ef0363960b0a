/*Package comm provides connection makers and io wrappers for communication with lab hardware.

Most usages of this package will boil down to:
	1.  build a CreationFunc with SerialConnMaker or BackingOffTCPConnMaker
	2.  hold a Pool of connections made by it in a type that represents your hardware
	3.  for every exchange, Get a connection, wrap it in a Terminator, write the
		command and read the reply, then ReturnWithError

A minimal example is provided below for a temperature sensor that responds to
"RD?" with the current temperature on a line terminated by a carriage return

	type MySensor struct {
		pool *comm.Pool
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		conn, err := ms.pool.Get()
		if err != nil {
			return 0, err
		}
		defer func() { ms.pool.ReturnWithError(conn, err) }()
		wrap := comm.NewTerminator(conn, '\r', '\r')
		_, err = io.WriteString(wrap, "RD?")
		if err != nil {
			return 0, err
		}
		buf := make([]byte, 64)
		n, err := wrap.Read(buf)
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(buf[:n]), 64)
	}
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoResponse is generated when the remote sends nothing before the
	// read window elapses.  It is distinct from an empty reply.
	ErrNoResponse = errors.New("no response from remote before timeout")

	// ErrTerminatorNotFound is generated when some bytes arrive but the
	// termination byte does not before the read window elapses
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrBufferTooSmall is generated when a line does not fit the read buffer
	ErrBufferTooSmall = errors.New("response larger than read buffer")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

func connectBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	// serial adapters and terminal servers both dislike being connection
	// thrashed, so grow the interval
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described
// by conf, retrying for a few seconds if the port is busy
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var port *serial.Port
		op := func() error {
			var err error
			port, err = serial.OpenPort(conf)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such") {
				// a missing device node will not appear by waiting
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.Retry(op, connectBackoff(3*time.Second))
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", conf.Name, err)
		}
		return port, nil
	}
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying with
// an exponential backoff until timeout elapses.  Refused connections are not
// retried.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.Retry(op, connectBackoff(timeout))
		if err != nil {
			return nil, fmt.Errorf("connection to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
