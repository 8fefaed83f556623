package uring

import (
	"github.com/juju/errors"
)

// sqCQOverflow is the sq ring flag set while completions wait in the kernel overflow list.
const sqCQOverflow uint32 = 1 << 1

// SQLayout holds the byte offsets of the submission ring fields inside its Memory.
type SQLayout struct {
	Head        int
	Tail        int
	RingMask    int
	RingEntries int
	Flags       int
	Array       int
}

// SubmissionQueue produces submission entries. Like CompletionQueue it is owned by
// one goroutine; the kernel consumes up to the tail it publishes.
type SubmissionQueue struct {
	ring *Memory
	sqes *Memory

	headOff  int
	tailOff  int
	flagsOff int
	arrayOff int

	ringMask uint32
	entries  uint32

	// sqeTail is the next free SQE, sqeHead the first one not yet published.
	sqeTail, sqeHead uint32
}

// NewSubmissionQueue creates a queue over the ring memory and the SQE array.
func NewSubmissionQueue(ring *Memory, layout SQLayout, sqes *Memory) (*SubmissionQueue, error) {
	if ring == nil || sqes == nil {
		return nil, errors.NotValidf("nil memory")
	}
	mask := ring.Uint32(layout.RingMask)
	entries := ring.Uint32(layout.RingEntries)
	if mask&(mask+1) != 0 || entries != mask+1 {
		return nil, errors.NotValidf("sq ring mask %#x with %d entries", mask, entries)
	}
	if layout.Array+int(entries)*4 > ring.Len() || int(entries)*SQESize > sqes.Len() {
		return nil, errors.NotValidf("sq arrays for %d entries", entries)
	}

	sq := &SubmissionQueue{
		ring:     ring,
		sqes:     sqes,
		headOff:  layout.Head,
		tailOff:  layout.Tail,
		flagsOff: layout.Flags,
		arrayOff: layout.Array,
		ringMask: mask,
		entries:  entries,
	}
	sq.sqeTail = ring.LoadAcquireUint32(layout.Tail)
	sq.sqeHead = sq.sqeTail
	return sq, nil
}

// Prepare claims the next SQE, lets op fill it and tags it with userdata.
// It returns false when every slot is in use.
func (sq *SubmissionQueue) Prepare(op Operation, userdata uint64) bool {
	head := sq.ring.LoadAcquireUint32(sq.headOff)
	if sq.sqeTail-head >= sq.entries {
		return false
	}

	sqe := SQE{mem: sq.sqes, off: int(sq.sqeTail&sq.ringMask) * SQESize}
	sqe.reset()
	op.PrepSQE(sqe)
	sqe.SetUserData(userdata)
	sq.sqeTail++
	return true
}

// Space returns the number of entries Prepare can still claim.
func (sq *SubmissionQueue) Space() uint32 {
	return sq.entries - (sq.sqeTail - sq.ring.LoadAcquireUint32(sq.headOff))
}

// Pending returns the number of prepared entries not yet published.
func (sq *SubmissionQueue) Pending() uint32 {
	return sq.sqeTail - sq.sqeHead
}

// Flush publishes prepared entries and returns how many the kernel has not consumed yet.
func (sq *SubmissionQueue) Flush() uint32 {
	tail := sq.ring.Uint32(sq.tailOff)

	for ; sq.sqeHead != sq.sqeTail; sq.sqeHead++ {
		sq.ring.PutUint32(sq.arrayOff+int(tail&sq.ringMask)*4, sq.sqeHead&sq.ringMask)
		tail++
	}

	sq.ring.StoreReleaseUint32(sq.tailOff, tail)
	return tail - sq.ring.LoadAcquireUint32(sq.headOff)
}

// CQOverflow reports whether the kernel holds completions that did not fit in the CQ ring.
func (sq *SubmissionQueue) CQOverflow() bool {
	return sq.ring.LoadAcquireUint32(sq.flagsOff)&sqCQOverflow != 0
}

// Entry returns the SQE slot idx; used to inspect prepared entries.
func (sq *SubmissionQueue) Entry(idx uint32) SQE {
	return SQE{mem: sq.sqes, off: int(idx&sq.ringMask) * SQESize}
}

func (sq *SubmissionQueue) Entries() uint32 {
	return sq.entries
}
