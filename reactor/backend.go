package reactor

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// BackendType selects the I/O primitive of a Reactor.
type BackendType int

const (
	// BackendIoUring drives sockets through an io_uring instance.
	BackendIoUring BackendType = iota
	// BackendPoll drives sockets through epoll readiness notifications.
	BackendPoll
)

func (t BackendType) String() string {
	switch t {
	case BackendIoUring:
		return "io_uring"
	case BackendPoll:
		return "poll"
	}
	return fmt.Sprintf("BackendType(%d)", int(t))
}

// ParseBackendType parses the String form of a BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "io_uring", "iouring", "uring":
		return BackendIoUring, nil
	case "poll", "epoll":
		return BackendPoll, nil
	}
	return 0, errors.NotValidf("backend %q", s)
}

// Backend is the I/O primitive one Reactor drives, either *IoUringBackend or
// *PollBackend. Every method except wakeup runs on the reactor goroutine.
type Backend interface {
	Type() BackendType

	// processEvents dispatches whatever completed or became ready without blocking.
	processEvents() int
	// hasEvents reports events that processEvents would dispatch right away.
	hasEvents() bool
	// park blocks until an event, a wakeup or the timeout.
	park(timeout time.Duration) error
	// wakeup interrupts park. Safe from any goroutine.
	wakeup() error

	newSocketDriver(s *AsyncSocket) (socketDriver, error)
	newServerSocketDriver(s *AsyncServerSocket) (serverSocketDriver, error)

	close() error
}

// socketDriver moves the bytes of one AsyncSocket. Reactor goroutine only.
type socketDriver interface {
	// start begins reading an already connected socket.
	start()
	// connect starts a connect; the outcome is reported through AsyncSocket.onConnect.
	connect(sa unix.Sockaddr)
	// flush writes what is queued on the socket.
	flush()
	// close stops the driver; once no kernel operation references the socket
	// the fd is closed and the socket released.
	close()
	// abort closes the fd right away. Used when the reactor terminates.
	abort()
}

// serverSocketDriver accepts the connections of one AsyncServerSocket. Reactor goroutine only.
type serverSocketDriver interface {
	start()
	close()
	abort()
}
