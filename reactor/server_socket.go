package reactor

import (
	"fmt"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/victorlira/hazelcast/internal/logging"
)

// AsyncServerSocketBuilder configures an AsyncServerSocket, see Reactor.NewAsyncServerSocketBuilder.
type AsyncServerSocketBuilder struct {
	// AcceptFn is called on the reactor goroutine for every accepted
	// connection. Required.
	AcceptFn func(req *AcceptRequest)

	Backlog   int
	ReusePort bool

	reactor *Reactor
	built   bool
}

// NewAsyncServerSocketBuilder returns a builder for a server socket owned by r.
func (r *Reactor) NewAsyncServerSocketBuilder() (*AsyncServerSocketBuilder, error) {
	if r.State() != Running {
		return nil, errors.Annotatef(ErrReactorNotRunning, "reactor %s is %s", r.name, r.State())
	}
	return &AsyncServerSocketBuilder{
		Backlog: 128,
		reactor: r,
	}, nil
}

// Build creates the server socket. Bind it, then Start it.
func (b *AsyncServerSocketBuilder) Build() (*AsyncServerSocket, error) {
	if b.built {
		return nil, errors.NotValidf("reused builder")
	}
	if b.AcceptFn == nil {
		return nil, errors.NotValidf("nil AcceptFn")
	}
	if b.Backlog <= 0 {
		return nil, errors.NotValidf("Backlog %d", b.Backlog)
	}

	s := &AsyncServerSocket{
		reactor:   b.reactor,
		logger:    b.reactor.logger,
		acceptFn:  b.AcceptFn,
		backlog:   b.Backlog,
		reusePort: b.ReusePort,
		fd:        -1,
	}
	if err := b.reactor.track(s); err != nil {
		return nil, errors.Trace(err)
	}
	b.built = true
	return s, nil
}

// AsyncServerSocket is a listening TCP socket owned by one reactor. Accepted
// connections belong to the same reactor.
type AsyncServerSocket struct {
	reactor *Reactor
	logger  logging.Logger

	acceptFn  func(req *AcceptRequest)
	backlog   int
	reusePort bool

	fd     int
	driver serverSocketDriver

	state    atomic.Int32
	closed   atomic.Bool
	released atomic.Bool
	closeErr atomic.Value
	local    atomic.Value
}

func (s *AsyncServerSocket) String() string {
	return fmt.Sprintf("AsyncServerSocket(%v)", s.LocalAddress())
}

func (s *AsyncServerSocket) Reactor() *Reactor {
	return s.reactor
}

// Bind binds and listens on address, e.g. "127.0.0.1:0".
func (s *AsyncServerSocket) Bind(address string) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !s.state.CompareAndSwap(int32(socketCreated), int32(socketBound)) {
		return errors.Annotatef(ErrSocketState, "bind %s server socket", socketState(s.state.Load()))
	}

	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		s.state.Store(int32(socketCreated))
		return errors.Annotatef(err, "resolve %q", address)
	}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}

	fd, local, err := listenSocket(addr, s.backlog, s.reusePort)
	if err != nil {
		s.state.Store(int32(socketCreated))
		return errors.Trace(err)
	}
	s.fd = fd
	s.local.Store(addrValue{local})
	return nil
}

// Start registers the bound socket with the reactor, after which connections are accepted.
func (s *AsyncServerSocket) Start() error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !s.state.CompareAndSwap(int32(socketBound), int32(socketStarted)) {
		return errors.Annotatef(ErrSocketState, "start %s server socket", socketState(s.state.Load()))
	}
	if !s.reactor.Offer(s.startOnReactor) {
		s.Close()
		return errors.Annotatef(ErrReactorNotRunning, "start %v", s)
	}
	return nil
}

func (s *AsyncServerSocket) startOnReactor() {
	if s.closed.Load() {
		return
	}
	driver, err := s.reactor.backend.newServerSocketDriver(s)
	if err != nil {
		s.closeOnReactor(err)
		return
	}
	s.driver = driver
	driver.start()
	_ = s.logger.Log("level", "debug", "msg", "server socket started", "socket", s)
}

func (s *AsyncServerSocket) LocalAddress() net.Addr {
	v, _ := s.local.Load().(addrValue)
	return v.addr
}

// LocalPort returns the bound port, 0 before Bind.
func (s *AsyncServerSocket) LocalPort() int {
	if addr, ok := s.LocalAddress().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *AsyncServerSocket) IsClosed() bool {
	return s.closed.Load()
}

func (s *AsyncServerSocket) CloseErr() error {
	v, _ := s.closeErr.Load().(errValue)
	return v.err
}

// onAccept hands an accepted connection to AcceptFn. Reactor goroutine only.
func (s *AsyncServerSocket) onAccept(fd int, remote net.Addr) {
	req := &AcceptRequest{fd: fd, remote: remote, reactor: s.reactor}

	func() {
		defer func() {
			if r := recover(); r != nil {
				_ = s.logger.Log("level", "error", "msg", "accept callback failed", "socket", s, "panic", fmt.Sprint(r))
			}
		}()
		s.acceptFn(req)
	}()

	if !req.taken {
		_ = closeFd(fd)
	}
}

// Close closes the server socket. Accepted sockets stay open. It is idempotent.
func (s *AsyncServerSocket) Close() {
	if !s.markClosed(nil) {
		return
	}
	for !s.reactor.Offer(s.shutdown) {
		if s.reactor.State() != Running {
			return
		}
		runtime.Gosched()
	}
}

func (s *AsyncServerSocket) closeOnReactor(err error) {
	if s.markClosed(err) {
		s.shutdown()
	}
}

func (s *AsyncServerSocket) markClosed(err error) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.closeErr.Store(errValue{err})
	s.state.Store(int32(socketClosed))
	_ = s.logger.Log("level", "debug", "msg", "closing server socket", "socket", s, "err", err)
	return true
}

func (s *AsyncServerSocket) shutdown() {
	if s.driver != nil {
		s.driver.close()
		return
	}
	s.closeNow()
}

func (s *AsyncServerSocket) closeNow() {
	s.markClosed(nil)
	if s.released.Load() {
		return
	}
	if s.driver != nil {
		s.driver.abort()
	} else if s.fd >= 0 {
		_ = closeFd(s.fd)
	}
	s.release()
}

func (s *AsyncServerSocket) release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.fd = -1
	s.reactor.untrack(s)
}
