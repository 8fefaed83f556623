package reactor

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/victorlira/hazelcast/internal/logging"
	"github.com/victorlira/hazelcast/uring"
)

// Builder configures a Reactor. Start from NewBuilder and change what you need.
type Builder struct {
	// Name identifies the reactor in logs and metrics.
	Name string

	Backend BackendType

	// MaxSockets bounds the sockets the reactor owns, and so the dirty queue.
	MaxSockets int

	// ExternalTaskQueueCapacity bounds the tasks other goroutines can Offer.
	ExternalTaskQueueCapacity int

	// RingEntries is the io_uring submission queue size, a power of two.
	RingEntries uint32

	// ParkTimeout is the longest the reactor blocks when idle.
	ParkTimeout time.Duration

	// Spin makes the reactor busy poll instead of parking.
	Spin bool

	// CPU pins the reactor thread to a CPU; negative means no affinity.
	CPU int

	Clock  clock.Clock
	Logger logging.Logger

	// Registerer, when set, gets the reactor Collector for its lifetime.
	Registerer prometheus.Registerer
}

// NewBuilder returns a Builder with defaults.
func NewBuilder() *Builder {
	return &Builder{
		Name:                      "reactor",
		Backend:                   BackendIoUring,
		MaxSockets:                1024,
		ExternalTaskQueueCapacity: 4096,
		RingEntries:               512,
		ParkTimeout:               time.Second,
		CPU:                       -1,
		Clock:                     clock.WallClock,
	}
}

// Validate checks the configuration.
func (b *Builder) Validate() error {
	if b.MaxSockets <= 0 {
		return errors.NotValidf("MaxSockets %d", b.MaxSockets)
	}
	if b.ExternalTaskQueueCapacity <= 0 {
		return errors.NotValidf("ExternalTaskQueueCapacity %d", b.ExternalTaskQueueCapacity)
	}
	if b.ParkTimeout <= 0 {
		return errors.NotValidf("ParkTimeout %v", b.ParkTimeout)
	}
	switch b.Backend {
	case BackendIoUring:
		if b.RingEntries == 0 || b.RingEntries > uring.MaxEntries || b.RingEntries&(b.RingEntries-1) != 0 {
			return errors.NotValidf("RingEntries %d", b.RingEntries)
		}
	case BackendPoll:
	default:
		return errors.NotValidf("backend %v", b.Backend)
	}
	return nil
}

// Build validates the configuration and creates an unstarted Reactor with its backend.
func (b *Builder) Build() (*Reactor, error) {
	if err := b.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	logger := b.Logger
	if logger == nil {
		logger = logging.New("tpc.reactor." + b.Name)
	}
	clk := b.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	r := &Reactor{
		name:        b.Name,
		maxSockets:  b.MaxSockets,
		parkTimeout: b.ParkTimeout,
		spin:        b.Spin,
		cpu:         b.CPU,
		clock:       clk,
		logger:      logger,
		external:    newMPSCQueue[Task](b.ExternalTaskQueueCapacity),
		deadlines:   &deadlineQueue{},
		metrics:     NewMetricsCollector(b.Name),
		registerer:  b.Registerer,
		resources:   make(map[resource]struct{}),
		terminated:  make(chan struct{}),
	}
	r.local = newLocalQueue()
	r.scheduler = NewDirtyQueueScheduler(b.MaxSockets, logger)

	backend, err := newBackend(r, b)
	if err != nil {
		return nil, errors.Annotatef(err, "reactor %s", b.Name)
	}
	r.backend = backend

	if r.registerer != nil {
		if err := r.registerer.Register(r.metrics); err != nil {
			_ = backend.close()
			return nil, errors.Annotatef(err, "registering metrics of reactor %s", b.Name)
		}
	}
	return r, nil
}
