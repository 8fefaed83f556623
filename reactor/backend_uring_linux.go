//go:build linux

package reactor

import (
	"net"
	"time"

	"github.com/eapache/queue"
	"github.com/juju/errors"
	"github.com/libp2p/go-sockaddr"
	"golang.org/x/sys/unix"

	"github.com/victorlira/hazelcast/internal/logging"
	"github.com/victorlira/hazelcast/uring"
)

// completionHandler gets the completions of the operations it submitted.
type completionHandler interface {
	handle(res int32, flags uint32, op uring.OpCode)
}

type pendingSubmission struct {
	op       uring.Operation
	userdata uint64
}

// IoUringBackend drives sockets with an io_uring instance. Every operation is
// tagged with a RequestID; completions are routed through the handler registry.
type IoUringBackend struct {
	reactor *Reactor
	logger  logging.Logger
	metrics *Collector

	ring     *uring.Ring
	handlers *registry[completionHandler]
	// pending holds submissions that did not fit in the submission queue.
	pending *queue.Queue

	wake *uringWakeHandler

	extArg bool

	// park timeout for kernels without IORING_ENTER_EXT_ARG
	timeout         uring.KernelTimespec
	timeoutOp       uring.TimeoutOp
	timeoutRemoveOp uring.TimeoutRemoveOp
	timeoutArmed    bool
	timeoutDeadline time.Time
}

func newIoUringBackend(r *Reactor, entries uint32) (*IoUringBackend, error) {
	ring, err := uring.New(entries, uring.WithClamp(), uring.WithLogger(r.logger))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = checkOps(ring); err != nil {
		_ = ring.Close()
		return nil, err
	}
	// blocking, so the kernel polls it instead of completing reads with EAGAIN
	efd, err := newEventFd(0)
	if err != nil {
		_ = ring.Close()
		return nil, err
	}

	b := &IoUringBackend{
		reactor:  r,
		logger:   r.logger,
		metrics:  r.metrics,
		ring:     ring,
		handlers: newRegistry[completionHandler](r.maxSockets + 1),
		pending:  queue.New(),
		extArg:   ring.Params.ExtArgFeature(),
	}

	b.wake = &uringWakeHandler{b: b, efd: efd, fd: efd.fd}
	b.wake.id = b.handlers.add(b.wake)
	b.wake.arm()
	if _, err = b.ring.Submit(); err != nil {
		_ = b.close()
		return nil, errors.Annotatef(err, "io_uring_enter")
	}
	return b, nil
}

// requiredOps are the operations the backend submits.
var requiredOps = []uring.OpCode{
	uring.OpAccept, uring.OpConnect, uring.OpRecv, uring.OpWriteV,
	uring.OpRead, uring.OpTimeout, uring.OpAsyncCancel,
}

func checkOps(ring *uring.Ring) error {
	probe, err := ring.Probe()
	if err != nil {
		// kernels before 5.6 cannot probe, submissions will report what is missing
		return nil
	}
	for _, op := range requiredOps {
		if !probe.Supported(op) {
			return errors.NotSupportedf("io_uring %s", op)
		}
	}
	return nil
}

func (b *IoUringBackend) Type() BackendType {
	return BackendIoUring
}

// Handle implements uring.CompletionHandler.
func (b *IoUringBackend) Handle(res int32, flags uint32, userdata uint64) {
	switch userdata {
	case timeoutUserData:
		// a removed timeout completes with ECANCELED after its replacement is armed
		if uring.ResErrno(res) != unix.ECANCELED {
			b.timeoutArmed = false
		}
		return
	case timeoutRemoveUserData:
		return
	}

	id := RequestID(userdata)
	h, ok := b.handlers.get(id.handler())
	if !ok {
		_ = b.logger.Log("level", "debug", "msg", "completion without handler", "userdata", userdata, "res", res)
		return
	}
	h.handle(res, flags, id.opcode())
}

// submit queues op for the handler; it reaches the kernel on the next enter.
func (b *IoUringBackend) submit(handler uint64, op uring.Operation) {
	userdata := uint64(newRequestID(handler, op.Code()))
	if b.pending.Length() == 0 && b.ring.SQ.Prepare(op, userdata) {
		return
	}
	b.pending.Add(&pendingSubmission{op: op, userdata: userdata})
}

func (b *IoUringBackend) preparePending() {
	for b.pending.Length() > 0 {
		p := b.pending.Peek().(*pendingSubmission)
		if !b.ring.SQ.Prepare(p.op, p.userdata) {
			if _, err := b.ring.Submit(); err != nil && !isTemporary(err) {
				_ = b.logger.Log("level", "error", "msg", "io_uring submit failed", "err", err)
			}
			if !b.ring.SQ.Prepare(p.op, p.userdata) {
				return
			}
		}
		b.pending.Remove()
	}
}

func (b *IoUringBackend) processEvents() int {
	n := b.ring.CQ.Process(b)
	b.metrics.completions.Add(float64(n))

	b.preparePending()
	if _, err := b.ring.Submit(); err != nil && !isTemporary(err) {
		_ = b.logger.Log("level", "error", "msg", "io_uring submit failed", "err", err)
	}
	return n
}

func (b *IoUringBackend) hasEvents() bool {
	return b.ring.CQ.HasCompletions()
}

func (b *IoUringBackend) park(timeout time.Duration) error {
	b.preparePending()

	var err error
	if b.extArg {
		_, err = b.ring.SubmitAndWaitTimeout(1, timeout)
		return ignoreTemporary(err)
	}

	if !b.armTimeout(timeout) {
		// a full queue means plenty in flight, just submit
		_, err = b.ring.Submit()
		return ignoreTemporary(err)
	}
	_, err = b.ring.SubmitAndWait(1)
	return ignoreTemporary(err)
}

// armTimeout makes sure a timeout op fires no later than timeout from now. An
// armed timeout that would fire later is removed and replaced. It returns false
// when the submission queue has no room.
func (b *IoUringBackend) armTimeout(timeout time.Duration) bool {
	deadline := b.reactor.clock.Now().Add(timeout)
	if b.timeoutArmed && !deadline.Before(b.timeoutDeadline) {
		return true
	}
	if b.ring.SQ.Space() < 2 {
		return false
	}

	if b.timeoutArmed {
		b.timeoutRemoveOp = uring.TimeoutRemoveOp{TargetUserData: timeoutUserData}
		b.ring.SQ.Prepare(&b.timeoutRemoveOp, timeoutRemoveUserData)
	}
	b.timeout.SetDuration(timeout.Nanoseconds())
	b.timeoutOp = uring.TimeoutOp{TS: &b.timeout, Count: 1}
	b.ring.SQ.Prepare(&b.timeoutOp, timeoutUserData)
	b.timeoutArmed = true
	b.timeoutDeadline = deadline
	return true
}

func (b *IoUringBackend) wakeup() error {
	return b.wake.efd.wake()
}

func (b *IoUringBackend) close() error {
	err := b.ring.Close()
	if cerr := b.wake.efd.close(); err == nil {
		err = cerr
	}
	return errors.Trace(err)
}

func (b *IoUringBackend) newSocketDriver(s *AsyncSocket) (socketDriver, error) {
	if err := unix.SetNonblock(s.fd, false); err != nil {
		return nil, errors.Annotatef(err, "clear O_NONBLOCK")
	}
	d := &uringSocket{
		b:       b,
		s:       s,
		fd:      s.fd,
		readBuf: make([]byte, s.receiveBufferSize),
		iovecs:  make([]unix.Iovec, 0, maxWriteVecs),
	}
	d.id = b.handlers.add(d)
	return d, nil
}

func (b *IoUringBackend) newServerSocketDriver(s *AsyncServerSocket) (serverSocketDriver, error) {
	if err := unix.SetNonblock(s.fd, false); err != nil {
		return nil, errors.Annotatef(err, "clear O_NONBLOCK")
	}
	d := &uringServerSocket{b: b, s: s, fd: s.fd}
	d.id = b.handlers.add(d)
	return d, nil
}

func isTemporary(err error) bool {
	errno, ok := errors.Cause(err).(unix.Errno)
	return ok && uring.TemporaryErrno(errno)
}

func ignoreTemporary(err error) error {
	if err == nil || isTemporary(err) {
		return nil
	}
	return err
}

// uringWakeHandler keeps a read on the eventfd in flight so a write wakes a parked ring.
type uringWakeHandler struct {
	b   *IoUringBackend
	id  uint64
	efd *eventFd
	fd  int
	buf [8]byte
	op  uring.ReadOp
}

func (h *uringWakeHandler) arm() {
	h.op = uring.ReadOp{Fd: h.fd, Buf: h.buf[:]}
	h.b.submit(h.id, &h.op)
}

func (h *uringWakeHandler) handle(res int32, _ uint32, _ uring.OpCode) {
	if errno := uring.ResErrno(res); errno == unix.ECANCELED || errno == unix.EBADF {
		return
	}
	h.arm()
}

// uringSocket drives an AsyncSocket with recv, writev and connect submissions.
// The buffers handed to the kernel live here until their completion.
type uringSocket struct {
	b  *IoUringBackend
	s  *AsyncSocket
	fd int
	id uint64

	readBuf []byte
	recvOp  uring.RecvOp

	// writing holds the buffers of the writev in flight, the first may be partial.
	writing [][]byte
	iovecs  []unix.Iovec
	writeOp uring.WriteVOp

	connectAddr *unix.RawSockaddrAny
	connectOp   uring.ConnectOp

	recvArmed    bool
	writeArmed   bool
	connectArmed bool
	inFlight     int

	closing  bool
	finished bool
}

func (d *uringSocket) start() {
	d.armRecv()
	d.flush()
}

func (d *uringSocket) armRecv() {
	if d.closing || d.recvArmed {
		return
	}
	d.recvOp = uring.RecvOp{Fd: d.fd, Buf: d.readBuf}
	d.b.submit(d.id, &d.recvOp)
	d.recvArmed = true
	d.inFlight++
}

func (d *uringSocket) connect(sa unix.Sockaddr) {
	raw, l, err := sockaddr.SockaddrToAny(sa)
	if err != nil {
		d.s.onConnect(errors.Annotatef(err, "connect"))
		return
	}
	d.connectAddr = raw
	d.connectOp = uring.ConnectOp{Fd: d.fd, Addr: raw, AddrLen: uint32(l)}
	d.b.submit(d.id, &d.connectOp)
	d.connectArmed = true
	d.inFlight++
}

func (d *uringSocket) flush() {
	if d.closing || d.writeArmed || d.connectArmed {
		return
	}

	if len(d.writing) == 0 {
		for len(d.writing) < maxWriteVecs {
			buf, ok := d.s.pollWrite()
			if !ok {
				break
			}
			if len(buf) > 0 {
				d.writing = append(d.writing, buf)
			}
		}
	}
	if len(d.writing) == 0 {
		return
	}

	d.iovecs = d.iovecs[:0]
	for _, buf := range d.writing {
		iov := unix.Iovec{Base: &buf[0]}
		iov.SetLen(len(buf))
		d.iovecs = append(d.iovecs, iov)
	}
	d.writeOp = uring.WriteVOp{Fd: d.fd, IOVecs: d.iovecs}
	d.b.submit(d.id, &d.writeOp)
	d.writeArmed = true
	d.inFlight++
}

func (d *uringSocket) handle(res int32, _ uint32, op uring.OpCode) {
	d.inFlight--

	switch op {
	case uring.OpRecv:
		d.recvArmed = false
		d.onRecv(res)
	case uring.OpWriteV:
		d.writeArmed = false
		d.onWrite(res)
	case uring.OpConnect:
		d.connectArmed = false
		d.onConnect(res)
	}

	if d.closing && d.inFlight == 0 {
		d.finish()
	}
}

func (d *uringSocket) onRecv(res int32) {
	switch {
	case res > 0:
		d.b.metrics.readBytes.Add(float64(res))
		if d.s.onRead(d.readBuf[:res]) {
			d.armRecv()
		}
	case res == 0:
		d.s.closeOnReactor(errors.New("socket closed by peer"))
	case d.closing:
	default:
		if uring.TemporaryErrno(uring.ResErrno(res)) {
			d.armRecv()
			return
		}
		d.s.closeOnReactor(uring.NewCompletionError("Failed to read from socket.", uring.OpRecv, res))
	}
}

func (d *uringSocket) onWrite(res int32) {
	if res < 0 {
		if d.closing {
			return
		}
		if uring.TemporaryErrno(uring.ResErrno(res)) {
			d.flush()
			return
		}
		d.s.closeOnReactor(uring.NewCompletionError("Failed to write to socket.", uring.OpWriteV, res))
		return
	}

	d.b.metrics.writtenBytes.Add(float64(res))
	n := int(res)
	i := 0
	for ; i < len(d.writing) && n >= len(d.writing[i]); i++ {
		n -= len(d.writing[i])
		d.writing[i] = nil
	}
	d.writing = d.writing[i:]
	if n > 0 {
		d.writing[0] = d.writing[0][n:]
	}
	if len(d.writing) == 0 {
		d.writing = d.writing[:0:0]
	}
	d.flush()
}

func (d *uringSocket) onConnect(res int32) {
	if d.closing {
		return
	}
	if res < 0 {
		d.s.onConnect(uring.NewCompletionError("Failed to connect.", uring.OpConnect, res))
		return
	}
	d.s.onConnect(nil)
	d.armRecv()
	d.flush()
}

func (d *uringSocket) close() {
	if d.closing {
		return
	}
	d.closing = true

	if d.recvArmed {
		d.cancel(uring.OpRecv)
	}
	if d.writeArmed {
		d.cancel(uring.OpWriteV)
	}
	if d.connectArmed {
		d.cancel(uring.OpConnect)
	}
	// wakes up an operation a kernel worker is blocked in
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	if d.inFlight == 0 {
		d.finish()
	}
}

func (d *uringSocket) cancel(op uring.OpCode) {
	d.b.submit(d.id, &uring.CancelOp{TargetUserData: uint64(newRequestID(d.id, op))})
	d.inFlight++
}

func (d *uringSocket) finish() {
	if d.finished {
		return
	}
	d.abort()
	d.s.release()
}

func (d *uringSocket) abort() {
	if d.finished {
		return
	}
	d.finished = true
	d.closing = true
	_ = closeFd(d.fd)
	d.b.handlers.remove(d.id)
	d.writing = nil
}

// uringServerSocket keeps one accept in flight.
type uringServerSocket struct {
	b  *IoUringBackend
	s  *AsyncServerSocket
	fd int
	id uint64

	addr     unix.RawSockaddrAny
	addrLen  uint32
	acceptOp uring.AcceptOp

	armed    bool
	inFlight int
	closing  bool
	finished bool
}

func (d *uringServerSocket) start() {
	d.arm()
}

func (d *uringServerSocket) arm() {
	if d.closing || d.armed {
		return
	}
	d.addrLen = unix.SizeofSockaddrAny
	d.acceptOp = uring.AcceptOp{
		Fd:      d.fd,
		Addr:    &d.addr,
		AddrLen: &d.addrLen,
		Flags:   unix.SOCK_CLOEXEC,
	}
	d.b.submit(d.id, &d.acceptOp)
	d.armed = true
	d.inFlight++
}

func (d *uringServerSocket) handle(res int32, _ uint32, op uring.OpCode) {
	d.inFlight--

	if op == uring.OpAccept {
		d.armed = false
		d.onAccept(res)
	}

	if d.closing && d.inFlight == 0 {
		d.finish()
	}
}

func (d *uringServerSocket) onAccept(res int32) {
	if res >= 0 {
		d.s.onAccept(int(res), d.remoteAddr())
		d.arm()
		return
	}
	if d.closing {
		return
	}

	switch errno := uring.ResErrno(res); errno {
	case unix.ECONNABORTED, unix.EMFILE, unix.ENFILE, unix.ENOMEM:
		_ = d.b.logger.Log("level", "warning", "msg", "accept failed", "socket", d.s, "err", errno)
		d.arm()
	default:
		if uring.TemporaryErrno(errno) {
			d.arm()
			return
		}
		d.s.closeOnReactor(uring.NewCompletionError("Failed to accept.", uring.OpAccept, res))
	}
}

func (d *uringServerSocket) remoteAddr() net.Addr {
	sa, err := sockaddr.AnyToSockaddr(&d.addr)
	if err != nil {
		return nil
	}
	return tcpAddr(sa)
}

func (d *uringServerSocket) close() {
	if d.closing {
		return
	}
	d.closing = true
	if d.armed {
		d.b.submit(d.id, &uring.CancelOp{TargetUserData: uint64(newRequestID(d.id, uring.OpAccept))})
		d.inFlight++
	}
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	if d.inFlight == 0 {
		d.finish()
	}
}

func (d *uringServerSocket) finish() {
	if d.finished {
		return
	}
	d.abort()
	d.s.release()
}

func (d *uringServerSocket) abort() {
	if d.finished {
		return
	}
	d.finished = true
	d.closing = true
	_ = closeFd(d.fd)
	d.b.handlers.remove(d.id)
}
