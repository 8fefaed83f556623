//go:build linux

package reactor

import (
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/victorlira/hazelcast/internal/logging"
)

const (
	pollEventsSize = 256
	maxWriteVecs   = 64
)

// readyHandler gets the epoll events of one fd.
type readyHandler interface {
	ready(events uint32)
}

// PollBackend drives sockets with epoll. Sockets are edge triggered, listeners
// level triggered; a wakeup is an eventfd write.
type PollBackend struct {
	reactor *Reactor
	logger  logging.Logger
	metrics *Collector

	epfd     int
	eventFd  *eventFd
	wakeID   uint64
	handlers *registry[readyHandler]

	events []unix.EpollEvent
	// ready is the number of events park collected but not dispatched yet.
	ready int
}

func newPollBackend(r *Reactor) (*PollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Annotatef(err, "epoll_create1")
	}
	efd, err := newEventFd(unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	b := &PollBackend{
		reactor:  r,
		logger:   r.logger,
		metrics:  r.metrics,
		epfd:     epfd,
		eventFd:  efd,
		handlers: newRegistry[readyHandler](r.maxSockets + 1),
		events:   make([]unix.EpollEvent, pollEventsSize),
	}

	b.wakeID = b.handlers.add(&pollWakeHandler{fd: efd.fd})
	if err = b.ctl(unix.EPOLL_CTL_ADD, efd.fd, unix.EPOLLIN, b.wakeID); err != nil {
		_ = b.close()
		return nil, err
	}
	return b, nil
}

func (b *PollBackend) Type() BackendType {
	return BackendPoll
}

func (b *PollBackend) ctl(op int, fd int, events uint32, id uint64) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(id)}
	return errors.Annotatef(unix.EpollCtl(b.epfd, op, fd, &ev), "epoll_ctl %d fd %d", op, fd)
}

func (b *PollBackend) processEvents() int {
	n := b.ready
	b.ready = 0
	if n == 0 {
		var err error
		n, err = unix.EpollWait(b.epfd, b.events, 0)
		if err != nil {
			if err != unix.EINTR {
				_ = b.logger.Log("level", "error", "msg", "epoll_wait failed", "err", err)
			}
			return 0
		}
	}
	b.dispatch(n)
	return n
}

func (b *PollBackend) dispatch(n int) {
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		h, ok := b.handlers.get(uint64(uint32(ev.Fd)))
		if !ok {
			continue
		}
		h.ready(ev.Events)
	}
	b.metrics.readyEvents.Add(float64(n))
}

func (b *PollBackend) hasEvents() bool {
	return b.ready > 0
}

func (b *PollBackend) park(timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Annotatef(err, "epoll_wait")
	}
	b.ready = n
	return nil
}

func (b *PollBackend) wakeup() error {
	return b.eventFd.wake()
}

func (b *PollBackend) close() error {
	err := b.eventFd.close()
	if b.epfd >= 0 {
		if cerr := unix.Close(b.epfd); err == nil {
			err = cerr
		}
		b.epfd = -1
	}
	return errors.Trace(err)
}

func (b *PollBackend) newSocketDriver(s *AsyncSocket) (socketDriver, error) {
	d := &pollSocket{
		b:       b,
		s:       s,
		fd:      s.fd,
		readBuf: make([]byte, s.receiveBufferSize),
	}
	d.id = b.handlers.add(d)
	if err := b.ctl(unix.EPOLL_CTL_ADD, d.fd, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLRDHUP|unix.EPOLLET, d.id); err != nil {
		b.handlers.remove(d.id)
		return nil, err
	}
	return d, nil
}

func (b *PollBackend) newServerSocketDriver(s *AsyncServerSocket) (serverSocketDriver, error) {
	d := &pollServerSocket{b: b, s: s, fd: s.fd}
	d.id = b.handlers.add(d)
	if err := b.ctl(unix.EPOLL_CTL_ADD, d.fd, unix.EPOLLIN, d.id); err != nil {
		b.handlers.remove(d.id)
		return nil, err
	}
	return d, nil
}

type pollWakeHandler struct {
	fd  int
	buf [8]byte
}

func (h *pollWakeHandler) ready(uint32) {
	_, _ = unix.Read(h.fd, h.buf[:])
}

// pollSocket drives an AsyncSocket with edge triggered epoll.
type pollSocket struct {
	b  *PollBackend
	s  *AsyncSocket
	fd int
	id uint64

	readBuf []byte

	// pending holds queued buffers not fully written yet, the first may be partial.
	pending  [][]byte
	writable bool

	connecting bool
	finished   bool
}

func (d *pollSocket) start() {
	d.writable = true
	d.flush()
}

func (d *pollSocket) connect(sa unix.Sockaddr) {
	err := unix.Connect(d.fd, sa)
	switch err {
	case nil:
		d.connected(nil)
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		d.connecting = true
	default:
		d.s.onConnect(errors.Annotatef(err, "connect"))
	}
}

func (d *pollSocket) connected(err error) {
	d.connecting = false
	d.s.onConnect(err)
	if err == nil && !d.s.IsClosed() {
		d.writable = true
		d.read()
		d.flush()
	}
}

func (d *pollSocket) ready(events uint32) {
	if d.finished {
		return
	}

	if d.connecting {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return
		}
		soErr, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		if err != nil {
			d.connected(errors.Annotatef(err, "connect"))
			return
		}
		d.connected(nil)
		return
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		d.read()
	}
	if events&unix.EPOLLOUT != 0 && !d.finished {
		d.writable = true
		d.flush()
	}
}

// read reads until the socket would block.
func (d *pollSocket) read() {
	for !d.finished && !d.s.IsClosed() {
		n, err := unix.Read(d.fd, d.readBuf)
		switch {
		case n > 0:
			d.b.metrics.readBytes.Add(float64(n))
			if !d.s.onRead(d.readBuf[:n]) {
				return
			}
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
		case err != nil:
			d.s.closeOnReactor(errors.Annotatef(err, "read"))
			return
		default:
			d.s.closeOnReactor(errors.New("socket closed by peer"))
			return
		}
	}
}

func (d *pollSocket) flush() {
	if d.finished || d.connecting || !d.writable {
		return
	}

	for {
		for len(d.pending) < maxWriteVecs {
			buf, ok := d.s.pollWrite()
			if !ok {
				break
			}
			if len(buf) > 0 {
				d.pending = append(d.pending, buf)
			}
		}
		if len(d.pending) == 0 {
			return
		}

		n, err := unix.Writev(d.fd, d.pending)
		if n > 0 {
			d.b.metrics.writtenBytes.Add(float64(n))
			d.consume(n)
		}
		switch {
		case err == unix.EAGAIN:
			d.writable = false
			return
		case err == unix.EINTR:
		case err != nil:
			d.s.closeOnReactor(errors.Annotatef(err, "writev"))
			return
		}
	}
}

// consume drops n written bytes from the front of pending.
func (d *pollSocket) consume(n int) {
	i := 0
	for ; i < len(d.pending) && n >= len(d.pending[i]); i++ {
		n -= len(d.pending[i])
		d.pending[i] = nil
	}
	d.pending = d.pending[i:]
	if n > 0 {
		d.pending[0] = d.pending[0][n:]
	}
	if len(d.pending) == 0 {
		d.pending = d.pending[:0:0]
	}
}

func (d *pollSocket) close() {
	d.abort()
	d.s.release()
}

func (d *pollSocket) abort() {
	if d.finished {
		return
	}
	d.finished = true
	_ = d.b.ctl(unix.EPOLL_CTL_DEL, d.fd, 0, d.id)
	d.b.handlers.remove(d.id)
	_ = closeFd(d.fd)
	d.pending = nil
}

// pollServerSocket accepts with level triggered epoll.
type pollServerSocket struct {
	b  *PollBackend
	s  *AsyncServerSocket
	fd int
	id uint64

	finished bool
}

func (d *pollServerSocket) start() {}

func (d *pollServerSocket) ready(uint32) {
	for !d.finished && !d.s.IsClosed() {
		fd, sa, err := unix.Accept4(d.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			d.s.onAccept(fd, tcpAddr(sa))
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR || err == unix.ECONNABORTED:
		case err == unix.EMFILE || err == unix.ENFILE || err == unix.ENOBUFS || err == unix.ENOMEM:
			_ = d.b.logger.Log("level", "warning", "msg", "accept failed", "socket", d.s, "err", err)
			return
		default:
			d.s.closeOnReactor(errors.Annotatef(err, "accept"))
			return
		}
	}
}

func (d *pollServerSocket) close() {
	d.abort()
	d.s.release()
}

func (d *pollServerSocket) abort() {
	if d.finished {
		return
	}
	d.finished = true
	_ = d.b.ctl(unix.EPOLL_CTL_DEL, d.fd, 0, d.id)
	d.b.handlers.remove(d.id)
	_ = closeFd(d.fd)
}
