package comm_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/delayscan/comm"
)

func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func echoPool(t *testing.T, size int, timeout time.Duration) *comm.Pool {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	return comm.NewPool(size, timeout, maker)
}

func TestPoolFillsToCapacity(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 {
		t.Errorf("expected 3 active connections, got %d", pool.Active())
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		pool.Put(conn)
	}
	if pool.Size() != 1 {
		t.Errorf("expected one reused connection, pool holds %d", pool.Size())
	}
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	pool := echoPool(t, 3, 10*time.Millisecond)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be reclaimed, pool holds %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	pool := echoPool(t, 2, time.Second)
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	newConn := make(chan io.ReadWriter, 1)
	// now that they are all taken out, try to get a new one
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolCloseEmptiesIdle(t *testing.T) {
	pool := echoPool(t, 1, time.Minute)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 0 {
		t.Errorf("expected empty pool after Close, holds %d", pool.Size())
	}
}

func TestReturnWithErrorKeepsConnOnSilentTimeout(t *testing.T) {
	pool := echoPool(t, 1, time.Minute)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, comm.ErrNoResponse)
	if pool.Size() != 1 {
		t.Errorf("expected connection kept after silent timeout, pool holds %d", pool.Size())
	}
	conn, _ = pool.Get()
	pool.ReturnWithError(conn, io.ErrUnexpectedEOF)
	if pool.Size() != 0 {
		t.Errorf("expected connection destroyed after transport error, pool holds %d", pool.Size())
	}
}

// fakeConn reads from a fixed script and records writes
type fakeConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (f *fakeConn) Read(b []byte) (int, error)  { return f.in.Read(b) }
func (f *fakeConn) Write(b []byte) (int, error) { return f.out.Write(b) }

func TestTerminatorAppendsTx(t *testing.T) {
	fc := &fakeConn{in: bytes.NewReader(nil)}
	wrap := comm.NewTerminator(fc, '\n', '\r')
	n, err := io.WriteString(wrap, "1PA10")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes reported, got %d", n)
	}
	if got := fc.out.String(); got != "1PA10\r" {
		t.Errorf("expected 1PA10\\r on the wire, got %q", got)
	}
}

func TestTerminatorStripsCRLF(t *testing.T) {
	fc := &fakeConn{in: bytes.NewReader([]byte("12.5\r\nleftover"))}
	wrap := comm.NewTerminator(fc, '\n', '\n')
	buf := make([]byte, 32)
	n, err := wrap.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "12.5" {
		t.Errorf("expected 12.5, got %q", got)
	}
}

func TestTerminatorSilentTimeout(t *testing.T) {
	fc := &fakeConn{in: bytes.NewReader(nil)}
	wrap := comm.NewTerminator(fc, '\n', '\n')
	wrap.Timeout = 20 * time.Millisecond
	_, err := wrap.Read(make([]byte, 8))
	if err != comm.ErrNoResponse {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
}

func TestTerminatorPartialLine(t *testing.T) {
	fc := &fakeConn{in: bytes.NewReader([]byte("12"))}
	wrap := comm.NewTerminator(fc, '\n', '\n')
	wrap.Timeout = 20 * time.Millisecond
	n, err := wrap.Read(make([]byte, 8))
	if err != comm.ErrTerminatorNotFound {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected the 2 partial bytes reported, got %d", n)
	}
}

func TestTerminatorDrainDiscardsLateReply(t *testing.T) {
	fc := &fakeConn{in: bytes.NewReader([]byte("1\r\n"))}
	wrap := comm.NewTerminator(fc, '\n', '\r')
	n, err := wrap.Drain(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected the 3 stale bytes discarded, got %d", n)
	}
	n, err = wrap.Drain(10 * time.Millisecond)
	if err != nil || n != 0 {
		t.Errorf("expected a quiet line, got %d bytes, err %v", n, err)
	}
}
