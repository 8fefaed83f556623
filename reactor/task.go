package reactor

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// Task is a unit of work run on the reactor goroutine.
type Task func()

// ScheduledTask is a Task with a deadline, see Reactor.Schedule.
type ScheduledTask struct {
	task     Task
	deadline time.Time
	seq      uint64
	index    int

	cancelled atomic.Bool
}

// Cancel prevents the task from running. It returns false if it was already cancelled.
func (t *ScheduledTask) Cancel() bool {
	return t.cancelled.CompareAndSwap(false, true)
}

func (t *ScheduledTask) Cancelled() bool {
	return t.cancelled.Load()
}

func (t *ScheduledTask) Deadline() time.Time {
	return t.deadline
}

// taskHeap is a min-heap ordered by deadline, then by insertion.
type taskHeap []*ScheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*ScheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// deadlineQueue holds the scheduled tasks of one reactor. Reactor goroutine only.
type deadlineQueue struct {
	tasks taskHeap
	seq   uint64
}

func (q *deadlineQueue) push(t *ScheduledTask) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.tasks, t)
}

// popDue removes and returns the earliest task due at now, skipping cancelled ones.
func (q *deadlineQueue) popDue(now time.Time) *ScheduledTask {
	for len(q.tasks) > 0 {
		t := q.tasks[0]
		if t.cancelled.Load() {
			heap.Pop(&q.tasks)
			continue
		}
		if t.deadline.After(now) {
			return nil
		}
		heap.Pop(&q.tasks)
		return t
	}
	return nil
}

// next returns the earliest deadline of a live task.
func (q *deadlineQueue) next() (time.Time, bool) {
	for len(q.tasks) > 0 {
		if t := q.tasks[0]; !t.cancelled.Load() {
			return t.deadline, true
		}
		heap.Pop(&q.tasks)
	}
	return time.Time{}, false
}

func (q *deadlineQueue) len() int {
	return len(q.tasks)
}
