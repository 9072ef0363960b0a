package comm

import (
	"errors"
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after all are returned to free all connections
	conns   chan io.ReadWriteCloser // the idle connections
	timer   *time.Timer             // destroys idle connections after timeout
	maker   CreationFunc

	mu sync.Mutex
}

// NewPool creates a pool of at most maxSize connections made by maker.
// Idle connections are closed once all are returned and timeout elapses.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contestion
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it
// to the pool, or you will cause a panic.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	// short circuit: if a connection is available, immediately return it
	select {
	case ret := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return ret, nil
	default:
	}
	if p.onLease < p.maxSize {
		// only increment the lease count if we are giving out something
		// other than garbage
		c, err := p.maker()
		if err == nil {
			p.onLease++
		}
		p.mu.Unlock()
		return c, err
	}
	p.mu.Unlock()
	// all are given out, wait for one to come back
	ret := <-p.conns
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return ret, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.conns <- rwc
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError returns the communicator to the pool if err is nil or a
// silent timeout, and destroys it otherwise
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil || errors.Is(err, ErrNoResponse) {
		p.Put(rw)
		return
	}
	p.Destroy(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close immediately closes every idle connection.  Connections on lease are
// closed by Destroy or by the next reclaim after they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drain()
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		return
	}
	p.drain()
}

// drain must be called with mu held
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.conns:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
