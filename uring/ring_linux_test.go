//go:build linux

package uring

import (
	"syscall"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, entries uint32) *Ring {
	r, err := New(entries)
	if err != nil {
		t.Skipf("io_uring is not available: %v", err)
	}
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func TestNewRejectsEntries(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrRingSetup)

	_, err = New(MaxEntries + 1)
	assert.ErrorIs(t, err, ErrRingSetup)
}

func TestRingSetup(t *testing.T) {
	r := newTestRing(t, 8)

	assert.Positive(t, r.Fd())
	assert.Equal(t, uint32(8), r.SQ.Entries())
	assert.Equal(t, uint32(15), r.CQ.RingMask())
	assert.False(t, r.CQ.HasCompletions())
}

func TestNopRoundTrip(t *testing.T) {
	r := newTestRing(t, 8)

	for i := uint64(1); i <= 5; i++ {
		require.True(t, r.SQ.Prepare(&NopOp{}, i))
	}
	_, err := r.SubmitAndWait(5)
	require.NoError(t, err)

	var got []uint64
	n := r.CQ.Process(CompletionHandlerFunc(func(res int32, _ uint32, userdata uint64) {
		assert.Zero(t, res)
		got = append(got, userdata)
	}))
	assert.Equal(t, 5, n)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.False(t, r.CQ.HasCompletions())
}

func TestTimeoutCompletesWithETime(t *testing.T) {
	r := newTestRing(t, 4)

	ts := &KernelTimespec{}
	ts.SetDuration(int64(10 * time.Millisecond))
	require.True(t, r.SQ.Prepare(&TimeoutOp{TS: ts}, 42))

	_, err := r.SubmitAndWait(1)
	require.NoError(t, err)

	var res int32
	var userdata uint64
	r.CQ.Process(CompletionHandlerFunc(func(rs int32, _ uint32, ud uint64) {
		res, userdata = rs, ud
	}))
	assert.Equal(t, uint64(42), userdata)
	assert.Equal(t, syscall.ETIME, ResErrno(res))
}

func TestSubmitAndWaitTimeout(t *testing.T) {
	r := newTestRing(t, 4)
	if !r.Params.ExtArgFeature() {
		_, err := r.SubmitAndWaitTimeout(1, time.Millisecond)
		assert.Error(t, err)
		return
	}

	start := time.Now()
	_, err := r.SubmitAndWaitTimeout(1, 20*time.Millisecond)
	assert.ErrorIs(t, err, syscall.ETIME)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSubmitWithNothingPrepared(t *testing.T) {
	r := newTestRing(t, 4)

	n, err := r.Submit()
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestProbe(t *testing.T) {
	r := newTestRing(t, 4)

	probe, err := r.Probe()
	if err != nil {
		t.Skipf("probe is not supported: %v", err)
	}
	assert.True(t, probe.Supported(OpNop))
	assert.False(t, probe.Supported(OpCode(250)))
}

func TestJoinErr(t *testing.T) {
	first := errors.New("munmap")
	second := errors.New("close")

	assert.NoError(t, joinErr(nil, nil))
	assert.Equal(t, second, errors.Cause(joinErr(nil, second)))
	assert.Equal(t, first, joinErr(first, nil))

	err := joinErr(first, second)
	assert.Equal(t, first, errors.Cause(err))
	assert.Contains(t, err.Error(), "close")
	assert.Contains(t, err.Error(), "munmap")
}
