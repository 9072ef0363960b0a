package comm

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// pollInterval is the pause between reads that returned nothing while waiting
// for a line
const pollInterval = 5 * time.Millisecond

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Terminator wraps an io.ReadWriter, appending a transmit terminator to every
// write and reading up to (and stripping) a receive terminator.
//
// Read waits at most Timeout for the line.  If nothing arrives, Read returns
// ErrNoResponse; a partial line returns ErrTerminatorNotFound.
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte

	// Timeout bounds the wait for a full line
	Timeout time.Duration
}

// NewTerminator returns a Terminator with a one second read window
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx, Timeout: time.Second}
}

// Write appends the tx terminator to b and writes it to the wrapped writer.
// The returned count excludes the terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads one line into b, without the rx terminator.  A trailing '\r'
// before a '\n' terminator is also stripped.
func (t *Terminator) Read(b []byte) (int, error) {
	deadline := time.Now().Add(t.Timeout)
	if d, ok := t.rw.(deadliner); ok {
		d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}
	one := make([]byte, 1)
	n := 0
	for {
		k, err := t.rw.Read(one)
		if k == 1 {
			c := one[0]
			if c == t.rx {
				if t.rx == '\n' && n > 0 && b[n-1] == '\r' {
					n--
				}
				return n, nil
			}
			if n == len(b) {
				return n, ErrBufferTooSmall
			}
			b[n] = c
			n++
			continue
		}
		if err != nil && !isTimeout(err) {
			return n, err
		}
		if !time.Now().Before(deadline) {
			if n == 0 {
				return 0, ErrNoResponse
			}
			return n, ErrTerminatorNotFound
		}
		time.Sleep(pollInterval)
	}
}

// Drain discards input already waiting on the line, such as a reply that
// arrived after its read window closed.  It returns once the line has been
// quiet for window, with the number of bytes thrown away.
func (t *Terminator) Drain(window time.Duration) (int, error) {
	d, hasDeadline := t.rw.(deadliner)
	if hasDeadline {
		defer d.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 64)
	total := 0
	quiet := time.Now().Add(window)
	for {
		if hasDeadline {
			d.SetReadDeadline(quiet)
		}
		k, err := t.rw.Read(buf)
		if k > 0 {
			total += k
			quiet = time.Now().Add(window)
			continue
		}
		if err != nil && !isTimeout(err) {
			return total, err
		}
		if !time.Now().Before(quiet) {
			return total, nil
		}
		time.Sleep(pollInterval)
	}
}

// isTimeout reports if err only means "nothing to read yet".  Serial ports
// with a read timeout report EOF when the window closes empty.
func isTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
