//go:build linux

package reactor

import (
	"net"

	"github.com/juju/errors"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// openSocket creates a non-blocking TCP socket for the family of addr.
func openSocket(addr net.Addr) (int, error) {
	af := sockaddrnet.NetAddrAF(addr)
	if af == unix.AF_UNSPEC {
		return -1, errors.NotValidf("address %v", addr)
	}
	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Annotatef(err, "socket")
	}
	return fd, nil
}

// listenSocket creates a listening socket bound to addr and returns the bound address.
func listenSocket(addr *net.TCPAddr, backlog int, reusePort bool) (int, net.Addr, error) {
	fd, err := openSocket(addr)
	if err != nil {
		return -1, nil, err
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Annotatef(err, "setsockopt SO_REUSEADDR")
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, nil, errors.Annotatef(err, "setsockopt SO_REUSEPORT")
		}
	}

	sa := sockaddrnet.NetAddrToSockaddr(addr)
	if sa == nil {
		_ = unix.Close(fd)
		return -1, nil, errors.NotValidf("address %v", addr)
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Annotatef(err, "bind %v", addr)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Annotatef(err, "listen %v", addr)
	}

	local, err := localAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	return fd, local, nil
}

func localAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Annotatef(err, "getsockname")
	}
	return tcpAddr(sa), nil
}

// tcpAddr converts a socket address to a *net.TCPAddr, nil when sa is not an inet address.
func tcpAddr(sa unix.Sockaddr) net.Addr {
	if addr := sockaddrnet.SockaddrToTCPAddr(sa); addr != nil {
		return addr
	}
	return nil
}

func setNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Annotatef(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "setsockopt TCP_NODELAY")
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func newBackend(r *Reactor, b *Builder) (Backend, error) {
	switch b.Backend {
	case BackendIoUring:
		return newIoUringBackend(r, b.RingEntries)
	case BackendPoll:
		return newPollBackend(r)
	}
	return nil, errors.NotValidf("backend %v", b.Backend)
}
