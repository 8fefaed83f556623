//go:build linux

package uring

import (
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/victorlira/hazelcast/internal/logging"
)

const MaxEntries uint32 = 1 << 15

var ErrRingSetup = errors.ConstError("ring setup")

type setup struct {
	params ringParams
	logger logging.Logger
}

type SetupOption func(s *setup)

// WithCQSize asks for a completion ring of sz entries instead of twice the SQ size.
func WithCQSize(sz uint32) SetupOption {
	return func(s *setup) {
		s.params.flags |= setupCQSize
		s.params.cqEntries = sz
	}
}

// WithClamp clamps oversized entry counts instead of failing.
func WithClamp() SetupOption {
	return func(s *setup) {
		s.params.flags |= setupClamp
	}
}

// WithLogger sets the logger the completion queue reports handler failures to.
func WithLogger(logger logging.Logger) SetupOption {
	return func(s *setup) {
		s.logger = logger
	}
}

// Ring is an io_uring instance with its rings mapped into this process.
type Ring struct {
	fd     int
	Params *ringParams

	sqMap     []byte
	cqMap     []byte
	sqesMap   []byte
	singleMap bool

	SQ *SubmissionQueue
	CQ *CompletionQueue

	waitTS  KernelTimespec
	waitArg getEventsArg
}

// New sets up a ring with room for entries submissions.
func New(entries uint32, opts ...SetupOption) (*Ring, error) {
	if entries == 0 || entries > MaxEntries {
		return nil, errors.Annotatef(ErrRingSetup, "entries %d", entries)
	}

	s := setup{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&s)
	}

	fd, err := sysSetup(entries, &s.params)
	if err != nil {
		return nil, errors.Annotatef(err, "io_uring_setup")
	}

	r := &Ring{fd: fd, Params: &s.params}
	if err = r.mapRings(s.logger); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings(logger logging.Logger) error {
	p := r.Params

	sqSize := int(p.sqOff.array + p.sqEntries*4)
	cqSize := int(p.cqOff.cqes + p.cqEntries*CQESize)
	single := p.features&featSingleMMap != 0
	if single {
		if cqSize > sqSize {
			sqSize = cqSize
		}
		cqSize = sqSize
	}

	var err error
	r.sqMap, err = unix.Mmap(r.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Annotatef(err, "mmap sq ring")
	}
	if single {
		r.cqMap = r.sqMap
		r.singleMap = true
	} else {
		r.cqMap, err = unix.Mmap(r.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return errors.Annotatef(err, "mmap cq ring")
		}
	}
	r.sqesMap, err = unix.Mmap(r.fd, offSQEs, int(p.sqEntries)*SQESize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Annotatef(err, "mmap sqes")
	}

	r.SQ, err = NewSubmissionQueue(NewMemory(r.sqMap), SQLayout{
		Head:        int(p.sqOff.head),
		Tail:        int(p.sqOff.tail),
		RingMask:    int(p.sqOff.ringMask),
		RingEntries: int(p.sqOff.ringEntries),
		Flags:       int(p.sqOff.flags),
		Array:       int(p.sqOff.array),
	}, NewMemory(r.sqesMap))
	if err != nil {
		return errors.Trace(err)
	}

	r.CQ, err = NewCompletionQueue(NewMemory(r.cqMap), CQLayout{
		Head:     int(p.cqOff.head),
		Tail:     int(p.cqOff.tail),
		RingMask: int(p.cqOff.ringMask),
		CQEs:     int(p.cqOff.cqes),
	}, logger)
	return errors.Trace(err)
}

func (r *Ring) Fd() int {
	return r.fd
}

// Close unmaps the rings and closes the ring fd. The kernel cancels whatever is still in flight.
func (r *Ring) Close() error {
	if r.CQ != nil {
		r.CQ.Close()
	}

	var err error
	if r.sqesMap != nil {
		err = joinErr(err, unix.Munmap(r.sqesMap))
		r.sqesMap = nil
	}
	if r.cqMap != nil && !r.singleMap {
		err = joinErr(err, unix.Munmap(r.cqMap))
	}
	r.cqMap = nil
	if r.sqMap != nil {
		err = joinErr(err, unix.Munmap(r.sqMap))
		r.sqMap = nil
	}
	if r.fd >= 0 {
		err = joinErr(err, syscall.Close(r.fd))
		r.fd = -1
	}
	return err
}

// Submit publishes prepared entries and hands them to the kernel. It does not
// enter the kernel when there is nothing to submit and no overflow to flush.
func (r *Ring) Submit() (uint, error) {
	toSubmit := r.SQ.Flush()

	var flags uint32
	if r.SQ.CQOverflow() {
		flags |= enterGetEvents
	} else if toSubmit == 0 {
		return 0, nil
	}

	return sysEnter(r.fd, toSubmit, 0, flags, nil, numSig/8)
}

// SubmitAndWait submits and blocks until at least minComplete completions are available.
func (r *Ring) SubmitAndWait(minComplete uint32) (uint, error) {
	return sysEnter(r.fd, r.SQ.Flush(), minComplete, enterGetEvents, nil, numSig/8)
}

// SubmitAndWaitTimeout is SubmitAndWait bounded by timeout. It needs
// IORING_FEAT_EXT_ARG; a wait that times out returns ETIME.
func (r *Ring) SubmitAndWaitTimeout(minComplete uint32, timeout time.Duration) (uint, error) {
	if !r.Params.ExtArgFeature() {
		return 0, errors.NotSupportedf("IORING_ENTER_EXT_ARG")
	}

	r.waitTS.SetDuration(timeout.Nanoseconds())
	r.waitArg = getEventsArg{
		sigMaskSz: numSig / 8,
		ts:        uint64(uintptr(unsafe.Pointer(&r.waitTS))),
	}

	n, err := sysEnter(r.fd, r.SQ.Flush(), minComplete, enterGetEvents|enterExtArg,
		unsafe.Pointer(&r.waitArg), int(unsafe.Sizeof(r.waitArg)))
	runtime.KeepAlive(r)
	return n, err
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}

	return errors.Annotatef(err1, "also %v", err2)
}
