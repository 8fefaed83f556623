//go:build !linux

package reactor

import (
	"net"

	"github.com/juju/errors"
)

func setAffinity(int) error {
	return errors.NotSupportedf("thread affinity")
}

func openSocket(net.Addr) (int, error) {
	return -1, errors.NotSupportedf("sockets")
}

func listenSocket(*net.TCPAddr, int, bool) (int, net.Addr, error) {
	return -1, nil, errors.NotSupportedf("sockets")
}

func localAddr(int) (net.Addr, error) {
	return nil, errors.NotSupportedf("sockets")
}

func setNoDelay(int, bool) error {
	return errors.NotSupportedf("sockets")
}

func closeFd(int) error {
	return nil
}

func newBackend(_ *Reactor, b *Builder) (Backend, error) {
	return nil, errors.NotSupportedf("%v backend on this platform", b.Backend)
}
