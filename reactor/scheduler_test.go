package reactor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSocket(handler func()) *AsyncSocket {
	return &AsyncSocket{handler: handler}
}

func TestScheduleReturnsFalseWhenFull(t *testing.T) {
	s := NewDirtyQueueScheduler(4, nil)
	require.Equal(t, 4, s.Cap())
	assert.False(t, s.IsDirty())

	for i := 0; i < 4; i++ {
		require.True(t, s.Schedule(newTestSocket(nil)))
	}
	assert.False(t, s.Schedule(newTestSocket(nil)))
	assert.True(t, s.IsDirty())

	assert.Equal(t, 4, s.Tick())
	assert.False(t, s.IsDirty())
	assert.True(t, s.Schedule(newTestSocket(nil)))
}

func TestTickRunsHandlersInOrder(t *testing.T) {
	s := NewDirtyQueueScheduler(8, nil)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, s.Schedule(newTestSocket(func() { got = append(got, i) })))
	}

	assert.Equal(t, 5, s.Tick())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, s.Tick())
}

func TestTickClearsScheduledBeforeHandler(t *testing.T) {
	s := NewDirtyQueueScheduler(8, nil)

	var socket *AsyncSocket
	var wasScheduled bool
	socket = newTestSocket(func() { wasScheduled = socket.scheduled.Load() })
	socket.scheduled.Store(true)
	require.True(t, s.Schedule(socket))

	s.Tick()
	assert.False(t, wasScheduled)
	assert.False(t, socket.scheduled.Load())
}

func TestTickDrainsSocketsScheduledDuringTick(t *testing.T) {
	s := NewDirtyQueueScheduler(8, nil)

	var order []string
	second := newTestSocket(func() { order = append(order, "second") })
	first := newTestSocket(func() {
		order = append(order, "first")
		s.Schedule(second)
	})
	require.True(t, s.Schedule(first))

	assert.Equal(t, 2, s.Tick())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, s.IsDirty())
	assert.Zero(t, s.Tick())
}

func TestTickSurvivesHandlerPanic(t *testing.T) {
	s := NewDirtyQueueScheduler(8, nil)

	ran := 0
	require.True(t, s.Schedule(newTestSocket(func() { ran++ })))
	require.True(t, s.Schedule(newTestSocket(func() { panic("boom") })))
	require.True(t, s.Schedule(newTestSocket(func() { ran++ })))

	assert.NotPanics(t, func() {
		assert.Equal(t, 3, s.Tick())
	})
	assert.Equal(t, 2, ran)
	assert.False(t, s.IsDirty())
}

func TestScheduledSocketsDeliveredExactlyOnce(t *testing.T) {
	const producers, perProducer = 4, 500
	s := NewDirtyQueueScheduler(64, nil)

	var delivered [producers * perProducer]atomic.Int32
	var accepted atomic.Int64

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				n := p*perProducer + i
				socket := newTestSocket(func() { delivered[n].Add(1) })
				for !s.Schedule(socket) {
				}
				accepted.Add(1)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticked := 0
	for {
		ticked += s.Tick()
		select {
		case <-done:
			ticked += s.Tick()
			assert.Equal(t, producers*perProducer, ticked)
			assert.Equal(t, int64(producers*perProducer), accepted.Load())
			for n := range delivered {
				assert.Equal(t, int32(1), delivered[n].Load(), "socket %d", n)
			}
			return
		default:
		}
	}
}
