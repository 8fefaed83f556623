//go:build linux

package reactor

import (
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// eventFd wakes a parked reactor from other goroutines. Once closed, wake is a
// no-op, so a late wakeup never writes to a reused descriptor number.
type eventFd struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func newEventFd(flags int) (*eventFd, error) {
	fd, err := unix.Eventfd(0, flags|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Annotatef(err, "eventfd")
	}
	return &eventFd{fd: fd}, nil
}

func (e *eventFd) wake() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	var one = [8]byte{1}
	_, err := unix.Write(e.fd, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is pending anyway
		return nil
	}
	return err
}

func (e *eventFd) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Close(e.fd)
}
