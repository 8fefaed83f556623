package reactor

import (
	"fmt"

	"github.com/victorlira/hazelcast/internal/logging"
)

// NetworkScheduler lets a socket with pending work ask its reactor for another
// pass without re-registering with the OS. Schedule may be called from any
// goroutine; Tick and IsDirty only from the owning reactor.
type NetworkScheduler interface {
	// Schedule enqueues the socket without blocking. False means the queue is
	// full and the caller has to deal with the backpressure.
	Schedule(socket *AsyncSocket) bool

	// Tick drains the queue to empty once, running the pending-work handler of
	// every socket it takes, including sockets queued while it runs. It returns
	// how many ran.
	Tick() int

	// IsDirty reports whether sockets are waiting for Tick.
	IsDirty() bool
}

// DirtyQueueScheduler is a NetworkScheduler backed by a bounded MPSC queue.
type DirtyQueueScheduler struct {
	queue  *mpscQueue[*AsyncSocket]
	logger logging.Logger
}

// NewDirtyQueueScheduler returns a scheduler accepting at least capacity sockets.
func NewDirtyQueueScheduler(capacity int, logger logging.Logger) *DirtyQueueScheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DirtyQueueScheduler{
		queue:  newMPSCQueue[*AsyncSocket](capacity),
		logger: logger,
	}
}

func (s *DirtyQueueScheduler) Schedule(socket *AsyncSocket) bool {
	return s.queue.Offer(socket)
}

func (s *DirtyQueueScheduler) Tick() int {
	ran := 0
	for {
		socket, ok := s.queue.Poll()
		if !ok {
			return ran
		}
		socket.scheduled.Store(false)
		s.run(socket)
		ran++
	}
}

func (s *DirtyQueueScheduler) run(socket *AsyncSocket) {
	defer func() {
		if r := recover(); r != nil {
			_ = s.logger.Log("level", "error", "msg", "dirty socket handler failed",
				"socket", socket, "panic", fmt.Sprint(r))
		}
	}()
	if socket.handler != nil {
		socket.handler()
	}
}

func (s *DirtyQueueScheduler) IsDirty() bool {
	return !s.queue.IsEmpty()
}

// Cap returns the number of sockets the queue holds.
func (s *DirtyQueueScheduler) Cap() int {
	return s.queue.Cap()
}
