// Package engine runs one reactor per core.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/victorlira/hazelcast/internal/logging"
	"github.com/victorlira/hazelcast/reactor"
)

// Builder configures an Engine.
type Builder struct {
	// ReactorCount defaults to the number of CPUs.
	ReactorCount int

	// Reactor returns the configuration of reactor i. When nil every reactor
	// gets reactor.NewBuilder named "reactor-<i>".
	Reactor func(i int) *reactor.Builder

	// AffinityCPUs, when set, pins reactor i to AffinityCPUs[i%len(AffinityCPUs)].
	AffinityCPUs []int

	Logger logging.Logger
}

func NewBuilder() *Builder {
	return &Builder{
		ReactorCount: runtime.NumCPU(),
	}
}

// Build creates the reactors of the engine, unstarted.
func (b *Builder) Build() (*Engine, error) {
	if b.ReactorCount <= 0 {
		return nil, errors.NotValidf("ReactorCount %d", b.ReactorCount)
	}
	logger := b.Logger
	if logger == nil {
		logger = logging.New("tpc.engine")
	}

	e := &Engine{logger: logger}
	for i := 0; i < b.ReactorCount; i++ {
		var rb *reactor.Builder
		if b.Reactor != nil {
			rb = b.Reactor(i)
		}
		if rb == nil {
			rb = reactor.NewBuilder()
			rb.Name = fmt.Sprintf("reactor-%d", i)
		}
		if len(b.AffinityCPUs) > 0 {
			rb.CPU = b.AffinityCPUs[i%len(b.AffinityCPUs)]
		}

		r, err := rb.Build()
		if err != nil {
			e.Shutdown()
			return nil, errors.Annotatef(err, "building reactor %d", i)
		}
		e.reactors = append(e.reactors, r)
	}
	return e, nil
}

// Engine owns a fixed set of reactors.
type Engine struct {
	logger   logging.Logger
	reactors []*reactor.Reactor
	next     atomic.Uint64
}

// Start starts every reactor. When one fails the others are shut down.
func (e *Engine) Start() error {
	for _, r := range e.reactors {
		if err := r.Start(); err != nil {
			e.Shutdown()
			return errors.Annotatef(err, "starting %s", r.Name())
		}
	}
	_ = e.logger.Log("level", "info", "msg", "engine started", "reactors", len(e.reactors))
	return nil
}

func (e *Engine) ReactorCount() int {
	return len(e.reactors)
}

func (e *Engine) Reactor(i int) *reactor.Reactor {
	return e.reactors[i]
}

func (e *Engine) Reactors() []*reactor.Reactor {
	return append([]*reactor.Reactor(nil), e.reactors...)
}

// Next returns the reactors in round robin order. Safe from any goroutine.
func (e *Engine) Next() *reactor.Reactor {
	n := e.next.Add(1) - 1
	return e.reactors[n%uint64(len(e.reactors))]
}

// Shutdown asks every reactor to stop.
func (e *Engine) Shutdown() {
	for _, r := range e.reactors {
		r.Shutdown()
	}
}

// AwaitTermination waits for every reactor to terminate or ctx to be done.
func (e *Engine) AwaitTermination(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range e.reactors {
		r := r
		g.Go(func() error {
			return r.AwaitTermination(ctx)
		})
	}
	return g.Wait()
}
