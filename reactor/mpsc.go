package reactor

import (
	"sync/atomic"
)

const cacheLinePad = 64

type mpscCell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// mpscQueue is a bounded queue with any number of producers and one consumer.
// Each cell carries a sequence number telling producers and the consumer whose
// turn it is, after Dmitry Vyukov's bounded queue.
type mpscQueue[T any] struct {
	tail atomic.Uint64
	_    [cacheLinePad]byte
	head atomic.Uint64
	_    [cacheLinePad]byte

	mask  uint64
	cells []mpscCell[T]
}

// newMPSCQueue creates a queue holding at least capacity items, rounded up to a power of two.
func newMPSCQueue[T any](capacity int) *mpscQueue[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}

	q := &mpscQueue[T]{
		mask:  uint64(size - 1),
		cells: make([]mpscCell[T], size),
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// Offer adds v; it returns false when the queue is full. Safe for concurrent use.
func (q *mpscQueue[T]) Offer(v T) bool {
	for {
		tail := q.tail.Load()
		c := &q.cells[tail&q.mask]
		dif := int64(c.sequence.Load()) - int64(tail)

		switch {
		case dif == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				c.data = v
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		}
	}
}

// Poll removes the oldest item. Only the consumer may call it.
func (q *mpscQueue[T]) Poll() (T, bool) {
	var zero T

	head := q.head.Load()
	c := &q.cells[head&q.mask]
	if int64(c.sequence.Load())-int64(head+1) < 0 {
		return zero, false
	}

	v := c.data
	c.data = zero
	c.sequence.Store(head + q.mask + 1)
	q.head.Store(head + 1)
	return v, true
}

// IsEmpty reports whether there is nothing to poll. An item whose producer has
// claimed a cell but not yet published it counts as present.
func (q *mpscQueue[T]) IsEmpty() bool {
	return q.tail.Load() == q.head.Load()
}

// Len is an estimate when producers are active.
func (q *mpscQueue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

func (q *mpscQueue[T]) Cap() int {
	return len(q.cells)
}
