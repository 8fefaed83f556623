package uring

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/victorlira/hazelcast/internal/logging"
)

// CQE layout, see struct io_uring_cqe.
const (
	CQESize = 16

	offCQEUserData = 0
	offCQERes      = 8
	offCQEFlags    = 12
)

// CQE flags.
const (
	CQEFBuffer uint32 = 1 << iota
	CQEFMore
)

// CompletionHandler consumes one completion entry. res is the kernel result,
// negative values are -errno.
type CompletionHandler interface {
	Handle(res int32, flags uint32, userdata uint64)
}

// CompletionHandlerFunc adapts a func to CompletionHandler.
type CompletionHandlerFunc func(res int32, flags uint32, userdata uint64)

func (f CompletionHandlerFunc) Handle(res int32, flags uint32, userdata uint64) {
	f(res, flags, userdata)
}

// CQLayout holds the byte offsets of the completion ring fields inside its Memory.
type CQLayout struct {
	Head     int
	Tail     int
	RingMask int
	CQEs     int
}

// CompletionQueue decodes and dispatches the completion entries of one ring.
// It is owned by a single goroutine; only the head/tail cursors are shared with
// the producer.
type CompletionQueue struct {
	mem     *Memory
	headOff int
	tailOff int
	cqesOff int

	ringMask  uint32
	localHead uint32
	localTail uint32

	logger logging.Logger
}

// NewCompletionQueue creates a queue over mem. The ring mask is read from memory,
// local cursors start at the shared cursors.
func NewCompletionQueue(mem *Memory, layout CQLayout, logger logging.Logger) (*CompletionQueue, error) {
	if mem == nil {
		return nil, errors.NotValidf("nil memory")
	}
	for _, off := range []int{layout.Head, layout.Tail, layout.RingMask} {
		if off < 0 || off+4 > mem.Len() || off%4 != 0 {
			return nil, errors.NotValidf("cq cursor offset %d", off)
		}
	}
	mask := mem.Uint32(layout.RingMask)
	if mask&(mask+1) != 0 {
		return nil, errors.NotValidf("cq ring mask %#x", mask)
	}
	if layout.CQEs < 0 || layout.CQEs+int(mask+1)*CQESize > mem.Len() {
		return nil, errors.NotValidf("cqe array at %d for %d entries", layout.CQEs, mask+1)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	cq := &CompletionQueue{
		mem:      mem,
		headOff:  layout.Head,
		tailOff:  layout.Tail,
		cqesOff:  layout.CQEs,
		ringMask: mask,
		logger:   logger,
	}
	cq.localHead = cq.AcquireHead()
	cq.localTail = cq.AcquireTail()
	return cq, nil
}

// HasCompletions reports whether there are entries to process. It only touches
// the shared tail when the cached cursors are equal.
func (cq *CompletionQueue) HasCompletions() bool {
	if cq.mem == nil {
		return false
	}
	if cq.localHead != cq.localTail {
		return true
	}
	cq.localTail = cq.AcquireTail()
	return cq.localHead != cq.localTail
}

// Process dispatches every entry published so far to handler and returns the
// number of entries processed. The head is released after the whole batch, so
// the kernel reuses a slot only once it has been read.
func (cq *CompletionQueue) Process(handler CompletionHandler) int {
	if cq.mem == nil {
		return 0
	}

	cq.localTail = cq.AcquireTail()

	processed := 0
	for cq.localHead != cq.localTail {
		slot := cq.cqesOff + int(cq.localHead&cq.ringMask)*CQESize

		userdata := cq.mem.Uint64(slot + offCQEUserData)
		res := cq.mem.Int32(slot + offCQERes)
		flags := cq.mem.Uint32(slot + offCQEFlags)

		cq.dispatch(handler, res, flags, userdata)

		cq.localHead++
		processed++
	}

	if processed > 0 {
		cq.ReleaseHead(cq.localHead)
	}
	return processed
}

func (cq *CompletionQueue) dispatch(handler CompletionHandler, res int32, flags uint32, userdata uint64) {
	defer func() {
		if r := recover(); r != nil {
			_ = cq.logger.Log("level", "error", "msg", "failed to process completion",
				"handler", fmt.Sprintf("%T", handler), "res", res, "flags", flags, "userdata", userdata, "panic", r)
		}
	}()
	handler.Handle(res, flags, userdata)
}

func (cq *CompletionQueue) RingMask() uint32 {
	return cq.ringMask
}

func (cq *CompletionQueue) AcquireHead() uint32 {
	return cq.mem.LoadAcquireUint32(cq.headOff)
}

func (cq *CompletionQueue) ReleaseHead(head uint32) {
	cq.mem.StoreReleaseUint32(cq.headOff, head)
}

func (cq *CompletionQueue) AcquireTail() uint32 {
	return cq.mem.LoadAcquireUint32(cq.tailOff)
}

// Close detaches the queue from its memory, typically right before the ring is unmapped.
func (cq *CompletionQueue) Close() {
	cq.mem = nil
	cq.ringMask = 0
}
