package reactor

import (
	"fmt"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/juju/errors"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"

	"github.com/victorlira/hazelcast/internal/logging"
)

// AsyncSocketReader consumes the bytes an AsyncSocket reads.
type AsyncSocketReader interface {
	// Init is called once when the socket starts.
	Init(socket *AsyncSocket)
	// OnRead is called on the reactor goroutine for every read. buf is reused
	// after OnRead returns.
	OnRead(buf []byte)
}

// DevNullReader drops everything it reads.
type DevNullReader struct{}

func (DevNullReader) Init(*AsyncSocket) {}

func (DevNullReader) OnRead([]byte) {}

// AcceptRequest is a connection accepted by an AsyncServerSocket. It is only
// valid during the AcceptFn call; a request not turned into a socket with
// Reactor.NewAsyncSocketBuilder is closed afterwards.
type AcceptRequest struct {
	fd      int
	remote  net.Addr
	reactor *Reactor
	taken   bool
}

func (req *AcceptRequest) RemoteAddress() net.Addr {
	return req.remote
}

func (req *AcceptRequest) Reactor() *Reactor {
	return req.reactor
}

// AsyncSocketBuilder configures an AsyncSocket, see Reactor.NewAsyncSocketBuilder.
type AsyncSocketBuilder struct {
	// Reader is required.
	Reader AsyncSocketReader

	// CloseFn is called on the reactor goroutine once the socket is released,
	// with the error that closed it or nil.
	CloseFn func(socket *AsyncSocket, err error)

	WriteQueueCapacity int
	ReceiveBufferSize  int
	TCPNoDelay         bool

	reactor *Reactor
	req     *AcceptRequest
	built   bool
}

// NewAsyncSocketBuilder returns a builder for a socket owned by r. With a nil
// req the socket is a client socket to Connect; otherwise it wraps the accepted
// connection, which must have been accepted by r.
func (r *Reactor) NewAsyncSocketBuilder(req *AcceptRequest) (*AsyncSocketBuilder, error) {
	if r.State() != Running {
		return nil, errors.Annotatef(ErrReactorNotRunning, "reactor %s is %s", r.name, r.State())
	}
	if req != nil && req.reactor != r {
		return nil, errors.NotValidf("accept request of reactor %s on reactor %s", req.reactor.name, r.name)
	}
	return &AsyncSocketBuilder{
		WriteQueueCapacity: 1024,
		ReceiveBufferSize:  64 * 1024,
		TCPNoDelay:         true,
		reactor:            r,
		req:                req,
	}, nil
}

// Build creates the socket.
func (b *AsyncSocketBuilder) Build() (*AsyncSocket, error) {
	if b.built {
		return nil, errors.NotValidf("reused builder")
	}
	if b.Reader == nil {
		return nil, errors.NotValidf("nil Reader")
	}
	if b.WriteQueueCapacity <= 0 {
		return nil, errors.NotValidf("WriteQueueCapacity %d", b.WriteQueueCapacity)
	}
	if b.ReceiveBufferSize <= 0 {
		return nil, errors.NotValidf("ReceiveBufferSize %d", b.ReceiveBufferSize)
	}
	if b.req != nil && b.req.taken {
		return nil, errors.NotValidf("accept request already taken")
	}

	s := &AsyncSocket{
		reactor:           b.reactor,
		logger:            b.reactor.logger,
		reader:            b.Reader,
		closeFn:           b.CloseFn,
		tcpNoDelay:        b.TCPNoDelay,
		receiveBufferSize: b.ReceiveBufferSize,
		writeQueue:        newMPSCQueue[[]byte](b.WriteQueueCapacity),
		fd:                -1,
	}
	s.handler = s.flushOnReactor

	if b.req != nil {
		s.fd = b.req.fd
		s.remote.Store(addrValue{b.req.remote})
		if local, err := localAddr(s.fd); err == nil {
			s.local.Store(addrValue{local})
		}
		if err := setNoDelay(s.fd, s.tcpNoDelay); err != nil {
			_ = s.logger.Log("level", "debug", "msg", "failed to set TCP_NODELAY", "err", err)
		}
		s.state.Store(int32(socketBound))
		s.connecting.Store(true)
	}

	if err := b.reactor.track(s); err != nil {
		return nil, errors.Trace(err)
	}
	if b.req != nil {
		b.req.taken = true
	}
	b.built = true
	return s, nil
}

type addrValue struct {
	addr net.Addr
}

type errValue struct {
	err error
}

// AsyncSocket is a TCP connection owned by one reactor for its whole life.
// Write, Flush, Close and the getters are safe from any goroutine.
type AsyncSocket struct {
	reactor *Reactor
	logger  logging.Logger

	reader            AsyncSocketReader
	closeFn           func(*AsyncSocket, error)
	tcpNoDelay        bool
	receiveBufferSize int

	// reactor goroutine
	fd        int
	driver    socketDriver
	connectCh chan error

	state      atomic.Int32
	connecting atomic.Bool
	closed     atomic.Bool
	released   atomic.Bool
	closeErr   atomic.Value
	local      atomic.Value
	remote     atomic.Value

	writeQueue *mpscQueue[[]byte]

	// scheduled is set while the socket sits in the dirty queue.
	scheduled atomic.Bool
	// handler is the dirty pass, run by NetworkScheduler.Tick.
	handler func()
}

func (s *AsyncSocket) String() string {
	return fmt.Sprintf("AsyncSocket(%v->%v)", s.LocalAddress(), s.RemoteAddress())
}

func (s *AsyncSocket) Reactor() *Reactor {
	return s.reactor
}

func (s *AsyncSocket) LocalAddress() net.Addr {
	v, _ := s.local.Load().(addrValue)
	return v.addr
}

func (s *AsyncSocket) RemoteAddress() net.Addr {
	v, _ := s.remote.Load().(addrValue)
	return v.addr
}

func (s *AsyncSocket) IsClosed() bool {
	return s.closed.Load()
}

// CloseErr returns the error that closed the socket, nil for a plain Close.
func (s *AsyncSocket) CloseErr() error {
	v, _ := s.closeErr.Load().(errValue)
	return v.err
}

// Start makes the socket take part in the reactor dispatch. An accepted socket
// starts reading; a client socket waits for Connect.
func (s *AsyncSocket) Start() error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	state := socketState(s.state.Load())
	if state != socketCreated && state != socketBound {
		return errors.Annotatef(ErrSocketState, "start %s socket", state)
	}
	if !s.state.CompareAndSwap(int32(state), int32(socketStarted)) {
		return errors.Annotatef(ErrSocketState, "concurrent start")
	}

	s.reader.Init(s)
	if state == socketCreated {
		return nil
	}

	if !s.reactor.Offer(s.startOnReactor) {
		s.Close()
		return errors.Annotatef(ErrReactorNotRunning, "start %v", s)
	}
	return nil
}

func (s *AsyncSocket) startOnReactor() {
	if s.closed.Load() {
		return
	}
	driver, err := s.reactor.backend.newSocketDriver(s)
	if err != nil {
		s.closeOnReactor(err)
		return
	}
	s.driver = driver
	driver.start()
}

// Connect connects a started client socket to addr. The channel receives the
// outcome once.
func (s *AsyncSocket) Connect(addr net.Addr) <-chan error {
	ch := make(chan error, 1)

	if s.closed.Load() {
		ch <- ErrSocketClosed
		return ch
	}
	if socketState(s.state.Load()) != socketStarted || !s.connecting.CompareAndSwap(false, true) {
		ch <- errors.Annotatef(ErrSocketState, "connect %s socket", socketState(s.state.Load()))
		return ch
	}

	sa := sockaddrnet.NetAddrToSockaddr(addr)
	if sa == nil {
		ch <- errors.NotValidf("address %v", addr)
		return ch
	}
	fd, err := openSocket(addr)
	if err != nil {
		ch <- err
		return ch
	}
	if err = setNoDelay(fd, s.tcpNoDelay); err != nil {
		_ = s.logger.Log("level", "debug", "msg", "failed to set TCP_NODELAY", "err", err)
	}
	s.remote.Store(addrValue{addr})

	ok := s.reactor.Offer(func() {
		s.fd = fd
		s.connectCh = ch
		if s.closed.Load() {
			s.closeNow()
			return
		}

		driver, err := s.reactor.backend.newSocketDriver(s)
		if err != nil {
			s.closeOnReactor(err)
			return
		}
		s.driver = driver
		driver.connect(sa)
	})
	if !ok {
		_ = closeFd(fd)
		ch <- errors.Annotatef(ErrReactorNotRunning, "connect %v", addr)
	}
	return ch
}

// onConnect reports the outcome of a connect. Reactor goroutine only.
func (s *AsyncSocket) onConnect(err error) {
	if s.connectCh != nil {
		s.connectCh <- err
		s.connectCh = nil
	}
	if err != nil {
		s.closeOnReactor(err)
		return
	}
	if local, lerr := localAddr(s.fd); lerr == nil {
		s.local.Store(addrValue{local})
	}
}

// onRead hands bytes to the reader. A panicking reader closes the socket.
// Reactor goroutine only.
func (s *AsyncSocket) onRead(buf []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			_ = s.logger.Log("level", "error", "msg", "socket reader failed", "socket", s, "panic", fmt.Sprint(r))
			s.closeOnReactor(errors.Errorf("reader panic: %v", r))
			ok = false
		}
	}()
	s.reader.OnRead(buf)
	return true
}

// Write queues buf without blocking and returns false when the write queue is
// full or the socket is closed. buf must not change until written.
func (s *AsyncSocket) Write(buf []byte) bool {
	if s.closed.Load() {
		return false
	}
	return s.writeQueue.Offer(buf)
}

// Flush asks the reactor to write what is queued. At most one flush is pending
// per socket.
func (s *AsyncSocket) Flush() {
	if s.closed.Load() {
		return
	}
	if !s.scheduled.CompareAndSwap(false, true) {
		return
	}
	if !s.reactor.scheduleSocket(s) {
		s.scheduled.Store(false)
		_ = s.logger.Log("level", "warning", "msg", "dirty queue full", "socket", s)
	}
}

// WriteAndFlush is Write followed by Flush.
func (s *AsyncSocket) WriteAndFlush(buf []byte) bool {
	if !s.Write(buf) {
		return false
	}
	s.Flush()
	return true
}

func (s *AsyncSocket) flushOnReactor() {
	if s.driver != nil && !s.closed.Load() {
		s.driver.flush()
	}
}

// pollWrite takes the next queued buffer. Reactor goroutine only.
func (s *AsyncSocket) pollWrite() ([]byte, bool) {
	return s.writeQueue.Poll()
}

func (s *AsyncSocket) hasPendingWrites() bool {
	return !s.writeQueue.IsEmpty()
}

// Close closes the socket. It is idempotent.
func (s *AsyncSocket) Close() {
	s.close(nil)
}

func (s *AsyncSocket) close(err error) {
	if !s.markClosed(err) {
		return
	}
	for !s.reactor.Offer(s.shutdown) {
		if s.reactor.State() != Running {
			// the reactor closes its sockets when it terminates
			return
		}
		runtime.Gosched()
	}
}

// closeOnReactor closes the socket from the reactor goroutine.
func (s *AsyncSocket) closeOnReactor(err error) {
	if s.markClosed(err) {
		s.shutdown()
	}
}

func (s *AsyncSocket) markClosed(err error) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.closeErr.Store(errValue{err})
	s.state.Store(int32(socketClosed))
	_ = s.logger.Log("level", "debug", "msg", "closing socket", "socket", s, "err", err)
	return true
}

func (s *AsyncSocket) shutdown() {
	if s.driver != nil {
		s.driver.close()
		return
	}
	s.closeNow()
}

// closeNow closes the fd immediately and releases the socket.
func (s *AsyncSocket) closeNow() {
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

// release is the last step of closing, after the fd is closed.
func (s *AsyncSocket) release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.fd = -1
	s.reactor.untrack(s)

	if s.connectCh != nil {
		s.connectCh <- ErrSocketClosed
		s.connectCh = nil
	}
	if s.closeFn != nil {
		s.closeFn(s, s.CloseErr())
	}
}
