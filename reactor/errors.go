package reactor

import (
	"github.com/juju/errors"
)

const (
	// ErrReactorNotRunning is returned by operations that need a started reactor.
	ErrReactorNotRunning = errors.ConstError("reactor is not running")

	// ErrReactorState is returned when a reactor lifecycle method is called in the wrong state.
	ErrReactorState = errors.ConstError("illegal reactor state")

	// ErrSocketClosed is returned by operations on a closed socket.
	ErrSocketClosed = errors.ConstError("socket is closed")

	// ErrSocketState is returned when a socket lifecycle method is called in the wrong state.
	ErrSocketState = errors.ConstError("illegal socket state")

	// ErrTooManySockets is returned when a reactor already owns MaxSockets sockets.
	ErrTooManySockets = errors.ConstError("too many sockets")
)
