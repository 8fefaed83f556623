package net

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/victorlira/hazelcast/reactor"
)

// writeRetryInterval is how long Write backs off while the socket write queue is full.
const writeRetryInterval = 50 * time.Microsecond

// Conn is a blocking net.Conn over a reactor.AsyncSocket. Reads are served
// from what the reactor already read, writes are queued on the socket.
type Conn struct {
	socket *reactor.AsyncSocket

	mu            sync.Mutex
	pending       [][]byte
	readDeadline  time.Time
	writeDeadline time.Time
	closeErr      error

	readLock sync.Mutex
	// readable is signalled when pending, the read deadline or the state changes.
	readable  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// connReader moves what the reactor reads into the Conn.
type connReader struct {
	c *Conn
}

func (r connReader) Init(*reactor.AsyncSocket) {}

func (r connReader) OnRead(buf []byte) {
	r.c.mu.Lock()
	r.c.pending = append(r.c.pending, append([]byte(nil), buf...))
	r.c.mu.Unlock()
	r.c.signal()
}

func newConn(r *reactor.Reactor, req *reactor.AcceptRequest) (*Conn, error) {
	b, err := r.NewAsyncSocketBuilder(req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &Conn{
		readable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	b.Reader = connReader{c: c}
	b.CloseFn = func(_ *reactor.AsyncSocket, err error) {
		c.onClose(err)
	}

	if c.socket, err = b.Build(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = c.socket.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Dial connects to address through a client socket owned by r.
func Dial(ctx context.Context, r *reactor.Reactor, address string) (*Conn, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: err}
	}

	c, err := newConn(r, nil)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: addr, Err: err}
	}

	select {
	case err = <-c.socket.Connect(addr):
		if err != nil {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: addr, Err: err}
		}
		return c, nil
	case <-ctx.Done():
		c.socket.Close()
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: addr, Err: ctx.Err()}
	}
}

func (c *Conn) signal() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

func (c *Conn) onClose(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return c.socket.IsClosed()
	}
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Source: c.LocalAddr(), Addr: c.RemoteAddr(), Err: err}
}

// Socket returns the underlying socket.
func (c *Conn) Socket() *reactor.AsyncSocket {
	return c.socket
}

func (c *Conn) Read(b []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			n := copy(b, c.pending[0])
			if n == len(c.pending[0]) {
				c.pending[0] = nil
				c.pending = c.pending[1:]
			} else {
				c.pending[0] = c.pending[0][n:]
			}
			c.mu.Unlock()
			return n, nil
		}
		deadline := c.readDeadline
		closeErr := c.closeErr
		c.mu.Unlock()

		if c.isClosed() {
			if closeErr == nil && c.socket.CloseErr() == nil {
				return 0, c.opError("read", net.ErrClosed)
			}
			return 0, io.EOF
		}

		if deadline.IsZero() {
			select {
			case <-c.readable:
			case <-c.closed:
			}
			continue
		}

		d := time.Until(deadline)
		if d <= 0 {
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		}
		timer := time.NewTimer(d)
		select {
		case <-c.readable:
		case <-c.closed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Write queues a copy of b. It blocks only while the socket write queue is full.
func (c *Conn) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	buf := append([]byte(nil), b...)

	for !c.socket.WriteAndFlush(buf) {
		if c.isClosed() {
			return 0, c.opError("write", net.ErrClosed)
		}

		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()
		if !deadline.IsZero() && time.Until(deadline) <= 0 {
			return 0, c.opError("write", os.ErrDeadlineExceeded)
		}
		time.Sleep(writeRetryInterval)
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	if c.socket.IsClosed() {
		return c.opError("close", net.ErrClosed)
	}
	c.socket.Close()
	c.signal()
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return c.socket.LocalAddress()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.socket.RemoteAddress()
}

func (c *Conn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	_ = c.SetWriteDeadline(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
