package reactor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPSCQueueCapacity(t *testing.T) {
	assert.Equal(t, 2, newMPSCQueue[int](0).Cap())
	assert.Equal(t, 8, newMPSCQueue[int](8).Cap())
	assert.Equal(t, 16, newMPSCQueue[int](9).Cap())
}

func TestMPSCQueueFIFOUntilFull(t *testing.T) {
	q := newMPSCQueue[int](4)
	assert.True(t, q.IsEmpty())

	for i := 0; i < 4; i++ {
		require.True(t, q.Offer(i))
	}
	assert.False(t, q.Offer(4))
	assert.Equal(t, 4, q.Len())

	for i := 0; i < 4; i++ {
		v, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Poll()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())

	// wraps around
	for round := 0; round < 10; round++ {
		require.True(t, q.Offer(round))
		v, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, round, v)
	}
}

func TestMPSCQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 1000
	q := newMPSCQueue[int](64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Offer(p*perProducer + i) {
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make(map[int]int)
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for len(seen) < producers*perProducer {
		v, ok := q.Poll()
		if !ok {
			continue
		}
		seen[v]++
		p, i := v/perProducer, v%perProducer
		assert.Greater(t, i, last[p], "per producer order")
		last[p] = i
	}
	<-done

	for v, n := range seen {
		assert.Equal(t, 1, n, "value %d", v)
	}
	assert.True(t, q.IsEmpty())
}
