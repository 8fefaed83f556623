package reactor

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineQueueOrder(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := &deadlineQueue{}

	var got []string
	add := func(name string, delay time.Duration) *ScheduledTask {
		st := &ScheduledTask{task: func() { got = append(got, name) }, deadline: clk.Now().Add(delay)}
		q.push(st)
		return st
	}

	add("c", 3*time.Second)
	add("a", time.Second)
	add("b1", 2*time.Second)
	add("b2", 2*time.Second)
	add("d", 4*time.Second)

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Second), next)

	assert.Nil(t, q.popDue(clk.Now()))

	clk.Advance(2 * time.Second)
	for st := q.popDue(clk.Now()); st != nil; st = q.popDue(clk.Now()) {
		st.task()
	}
	assert.Equal(t, []string{"a", "b1", "b2"}, got)

	clk.Advance(10 * time.Second)
	for st := q.popDue(clk.Now()); st != nil; st = q.popDue(clk.Now()) {
		st.task()
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c", "d"}, got)
	assert.Zero(t, q.len())

	_, ok = q.next()
	assert.False(t, ok)
}

func TestDeadlineQueueSkipsCancelled(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := &deadlineQueue{}

	first := &ScheduledTask{deadline: clk.Now().Add(time.Second)}
	second := &ScheduledTask{deadline: clk.Now().Add(2 * time.Second)}
	q.push(first)
	q.push(second)

	assert.True(t, first.Cancel())
	assert.False(t, first.Cancel())
	assert.True(t, first.Cancelled())

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, second.Deadline(), next)

	clk.Advance(5 * time.Second)
	assert.Same(t, second, q.popDue(clk.Now()))
	assert.Nil(t, q.popDue(clk.Now()))
}
