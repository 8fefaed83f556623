package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/victorlira/hazelcast/internal/logging"
)

// resource is something a reactor closes when it terminates: its sockets.
type resource interface {
	closeNow()
}

// Reactor is an event loop owning one backend, its sockets and its tasks.
// Start runs the loop on a goroutine locked to its OS thread; everything the
// reactor owns is only touched from there. Other goroutines talk to it through
// Offer, Schedule, socket writes and socket flushes.
type Reactor struct {
	name        string
	maxSockets  int
	parkTimeout time.Duration
	spin        bool
	cpu         int

	clock  clock.Clock
	logger logging.Logger

	backend   Backend
	scheduler NetworkScheduler

	external  *mpscQueue[Task]
	local     *localQueue
	deadlines *deadlineQueue

	metrics    *Collector
	registerer prometheus.Registerer

	state  atomic.Int32
	parked atomic.Bool

	resMu          sync.Mutex
	resources      map[resource]struct{}
	resourcesAbort bool

	terminated chan struct{}
}

func (r *Reactor) Name() string {
	return r.name
}

func (r *Reactor) String() string {
	return fmt.Sprintf("Reactor(%s, %s)", r.name, r.backend.Type())
}

func (r *Reactor) State() State {
	return State(r.state.Load())
}

func (r *Reactor) Backend() Backend {
	return r.backend
}

func (r *Reactor) Scheduler() NetworkScheduler {
	return r.scheduler
}

func (r *Reactor) Metrics() *Collector {
	return r.metrics
}

// Start runs the event loop.
func (r *Reactor) Start() error {
	if !r.state.CompareAndSwap(int32(Unstarted), int32(Running)) {
		return errors.Annotatef(ErrReactorState, "start %s reactor %s", r.State(), r.name)
	}

	started := make(chan struct{})
	go r.run(started)
	<-started
	return nil
}

// Shutdown asks the reactor to stop. The loop finishes its current pass, closes
// every socket and the backend. An unstarted reactor terminates immediately.
func (r *Reactor) Shutdown() {
	for {
		switch State(r.state.Load()) {
		case Unstarted:
			if r.state.CompareAndSwap(int32(Unstarted), int32(Terminated)) {
				r.release()
				return
			}
		case Running:
			if r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
				if err := r.backend.wakeup(); err != nil {
					_ = r.logger.Log("level", "warning", "msg", "failed to wake up reactor", "err", err)
				}
				return
			}
		default:
			return
		}
	}
}

// AwaitTermination waits for the reactor to terminate or ctx to be done.
func (r *Reactor) AwaitTermination(ctx context.Context) error {
	select {
	case <-r.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminated is closed once the reactor terminated.
func (r *Reactor) Terminated() <-chan struct{} {
	return r.terminated
}

// Offer queues task to run on the reactor goroutine. It returns false when the
// queue is full or the reactor is stopping. Safe from any goroutine.
func (r *Reactor) Offer(task Task) bool {
	if s := r.State(); s != Running && s != Unstarted {
		return false
	}
	if !r.external.Offer(task) {
		return false
	}
	r.wakeup()
	return true
}

// Schedule runs task on the reactor goroutine once delay elapsed, unless the
// returned ScheduledTask is cancelled first. Safe from any goroutine.
func (r *Reactor) Schedule(task Task, delay time.Duration) (*ScheduledTask, bool) {
	st := &ScheduledTask{task: task, deadline: r.clock.Now().Add(delay), index: -1}
	ok := r.Offer(func() {
		r.deadlines.push(st)
	})
	return st, ok
}

func (r *Reactor) wakeup() {
	if r.parked.CompareAndSwap(true, false) {
		if err := r.backend.wakeup(); err != nil {
			_ = r.logger.Log("level", "warning", "msg", "failed to wake up reactor", "err", err)
		}
	}
}

// scheduleSocket marks s dirty. False means backpressure.
func (r *Reactor) scheduleSocket(s *AsyncSocket) bool {
	if !r.scheduler.Schedule(s) {
		return false
	}
	r.wakeup()
	return true
}

func (r *Reactor) run(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.cpu >= 0 {
		if err := setAffinity(r.cpu); err != nil {
			_ = r.logger.Log("level", "warning", "msg", "failed to set thread affinity", "cpu", r.cpu, "err", err)
		}
	}
	close(started)

	_ = r.logger.Log("level", "debug", "msg", "reactor started", "reactor", r.name, "backend", r.backend.Type())
	defer r.terminate()

	for r.State() == Running {
		work := r.backend.processEvents()
		work += r.runTasks()

		if r.scheduler.IsDirty() {
			n := r.scheduler.Tick()
			r.metrics.dirtyTicks.Add(float64(n))
			work += n
		}

		if work == 0 && !r.spin {
			r.park()
		}
	}
}

func (r *Reactor) park() {
	timeout := r.parkTimeout
	if deadline, ok := r.deadlines.next(); ok {
		if until := deadline.Sub(r.clock.Now()); until < timeout {
			timeout = until
		}
		if timeout <= 0 {
			return
		}
	}

	r.parked.Store(true)
	if r.scheduler.IsDirty() || r.backend.hasEvents() || !r.external.IsEmpty() ||
		r.local.Length() > 0 || r.State() != Running {
		r.parked.Store(false)
		return
	}

	r.metrics.parks.Inc()
	if err := r.backend.park(timeout); err != nil {
		_ = r.logger.Log("level", "error", "msg", "reactor park failed", "reactor", r.name, "err", err)
	}
	r.parked.Store(false)
}

// runTasks moves offered and due tasks to the local queue and runs what it held.
func (r *Reactor) runTasks() int {
	for i := r.external.Len(); i > 0; i-- {
		task, ok := r.external.Poll()
		if !ok {
			break
		}
		r.local.Add(task)
	}

	now := r.clock.Now()
	for st := r.deadlines.popDue(now); st != nil; st = r.deadlines.popDue(now) {
		r.local.Add(st.task)
	}

	ran := 0
	for n := r.local.Length(); n > 0; n-- {
		r.runTask(r.local.Remove())
		ran++
	}
	r.metrics.tasks.Add(float64(ran))
	return ran
}

func (r *Reactor) runTask(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = r.logger.Log("level", "error", "msg", "task failed", "reactor", r.name, "panic", fmt.Sprint(rec))
		}
	}()
	task()
}

func (r *Reactor) terminate() {
	r.resMu.Lock()
	r.resourcesAbort = true
	resources := make([]resource, 0, len(r.resources))
	for res := range r.resources {
		resources = append(resources, res)
	}
	r.resMu.Unlock()

	for _, res := range resources {
		res.closeNow()
	}

	r.release()
	_ = r.logger.Log("level", "debug", "msg", "reactor terminated", "reactor", r.name)
}

func (r *Reactor) release() {
	if err := r.backend.close(); err != nil {
		_ = r.logger.Log("level", "warning", "msg", "failed to close reactor backend", "reactor", r.name, "err", err)
	}
	if r.registerer != nil {
		r.registerer.Unregister(r.metrics)
	}
	r.state.Store(int32(Terminated))
	close(r.terminated)
}

// track adds a socket to the reactor, bounded by MaxSockets.
func (r *Reactor) track(res resource) error {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	if r.resourcesAbort || r.State() != Running {
		return ErrReactorNotRunning
	}
	if len(r.resources) >= r.maxSockets {
		return errors.Annotatef(ErrTooManySockets, "reactor %s owns %d", r.name, len(r.resources))
	}
	r.resources[res] = struct{}{}
	r.metrics.sockets.Inc()
	return nil
}

func (r *Reactor) untrack(res resource) {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	if _, ok := r.resources[res]; ok {
		delete(r.resources, res)
		r.metrics.sockets.Dec()
	}
}

// SocketCount returns the number of sockets the reactor owns.
func (r *Reactor) SocketCount() int {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	return len(r.resources)
}

// localQueue holds tasks ready to run on the reactor goroutine.
type localQueue struct {
	q *queue.Queue
}

func newLocalQueue() *localQueue {
	return &localQueue{q: queue.New()}
}

func (l *localQueue) Add(task Task) {
	l.q.Add(task)
}

func (l *localQueue) Remove() Task {
	return l.q.Remove().(Task)
}

func (l *localQueue) Length() int {
	return l.q.Length()
}
