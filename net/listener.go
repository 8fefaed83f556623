// Package net adapts reactor sockets to the blocking net.Listener and net.Conn interfaces.
package net

import (
	"net"
	"sync"

	"github.com/juju/errors"

	"github.com/victorlira/hazelcast/internal/logging"
	"github.com/victorlira/hazelcast/reactor"
)

// acceptBacklog is the number of accepted connections waiting for Accept.
// Connections beyond it are closed.
const acceptBacklog = 128

// Listener is a net.Listener backed by a reactor.AsyncServerSocket.
type Listener struct {
	server *reactor.AsyncServerSocket
	logger logging.Logger

	conns     chan *Conn
	closed    chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)
var _ net.Conn = (*Conn)(nil)

// Listen binds address on r and starts accepting connections.
func Listen(r *reactor.Reactor, address string) (*Listener, error) {
	return ListenWithLogger(r, address, logging.Nop())
}

// ListenWithLogger is Listen with a logger for dropped connections.
func ListenWithLogger(r *reactor.Reactor, address string, logger logging.Logger) (*Listener, error) {
	l := &Listener{
		logger: logger,
		conns:  make(chan *Conn, acceptBacklog),
		closed: make(chan struct{}),
	}

	b, err := r.NewAsyncServerSocketBuilder()
	if err != nil {
		return nil, errors.Trace(err)
	}
	b.AcceptFn = l.accept
	b.Backlog = acceptBacklog

	if l.server, err = b.Build(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = l.server.Bind(address); err != nil {
		l.server.Close()
		return nil, &net.OpError{Op: "listen", Net: "tcp", Err: err}
	}
	if err = l.server.Start(); err != nil {
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: l.server.LocalAddress(), Err: err}
	}
	return l, nil
}

// accept runs on the reactor goroutine.
func (l *Listener) accept(req *reactor.AcceptRequest) {
	select {
	case <-l.closed:
		return
	default:
	}

	c, err := newConn(req.Reactor(), req)
	if err != nil {
		_ = l.logger.Log("level", "warning", "msg", "failed to accept connection", "remote", req.RemoteAddress(), "err", err)
		return
	}

	select {
	case l.conns <- c:
	default:
		_ = l.logger.Log("level", "warning", "msg", "accept backlog full, dropping connection", "remote", req.RemoteAddress())
		c.socket.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: net.ErrClosed}
	}
}

// Close stops accepting and closes connections not yet returned by Accept.
func (l *Listener) Close() error {
	err := error(&net.OpError{Op: "close", Net: "tcp", Addr: l.Addr(), Err: net.ErrClosed})
	l.closeOnce.Do(func() {
		err = nil
		close(l.closed)
		l.server.Close()
		for {
			select {
			case c := <-l.conns:
				c.socket.Close()
			default:
				return
			}
		}
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.server.LocalAddress()
}
