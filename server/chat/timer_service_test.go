package chat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerService_SetFires(t *testing.T) {
	ts := NewTimerService()
	var fired atomic.Int32

	ts.Set("u1", TimerTypingIdle, 10*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, ts.IsActive("u1", TimerTypingIdle))

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.False(t, ts.IsActive("u1", TimerTypingIdle))
}

func TestTimerService_CancelPreventsFiring(t *testing.T) {
	ts := NewTimerService()
	var fired atomic.Int32

	ts.Set("u1", TimerGroupDelay, 20*time.Millisecond, func() { fired.Add(1) })
	ts.Cancel("u1", TimerGroupDelay)
	assert.False(t, ts.IsActive("u1", TimerGroupDelay))

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestTimerService_SetReplacesPrior(t *testing.T) {
	ts := NewTimerService()
	var first, second atomic.Int32

	ts.Set("u1", TimerEndUpdate, 20*time.Millisecond, func() { first.Add(1) })
	ts.Set("u1", TimerEndUpdate, 10*time.Millisecond, func() { second.Add(1) })

	require.Eventually(t, func() bool { return second.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, first.Load(), "replaced timer must not fire")
}

func TestTimerService_TimersAreIndependentPerUser(t *testing.T) {
	ts := NewTimerService()
	var u1, u2 atomic.Int32

	ts.Set("u1", TimerTypingIdle, 10*time.Millisecond, func() { u1.Add(1) })
	ts.Set("u2", TimerTypingIdle, 10*time.Millisecond, func() { u2.Add(1) })
	ts.Cancel("u1", TimerTypingIdle)

	require.Eventually(t, func() bool { return u2.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, u1.Load())
}

func TestTimerService_CancelAllAndCleanup(t *testing.T) {
	ts := NewTimerService()
	var fired atomic.Int32
	cb := func() { fired.Add(1) }

	ts.Set("u1", TimerTypingIdle, 20*time.Millisecond, cb)
	ts.Set("u1", TimerMaxTyping, 20*time.Millisecond, cb)
	ts.Set("u1", TimerGroupDelay, 20*time.Millisecond, cb)
	ts.Set("u1", TimerEndUpdate, 20*time.Millisecond, cb)

	ts.CancelAll("u1")
	for _, name := range []TimerName{TimerTypingIdle, TimerMaxTyping, TimerGroupDelay, TimerEndUpdate} {
		assert.False(t, ts.IsActive("u1", name))
	}

	ts.Set("u1", TimerTypingIdle, 20*time.Millisecond, cb)
	ts.Cleanup("u1")
	assert.False(t, ts.IsActive("u1", TimerTypingIdle))

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestTimerService_CancelTypingTimersLeavesOthers(t *testing.T) {
	ts := NewTimerService()
	cb := func() {}

	ts.Set("u1", TimerTypingIdle, time.Minute, cb)
	ts.Set("u1", TimerMaxTyping, time.Minute, cb)
	ts.Set("u1", TimerEndUpdate, time.Minute, cb)

	ts.CancelTypingTimers("u1")
	assert.False(t, ts.IsActive("u1", TimerTypingIdle))
	assert.False(t, ts.IsActive("u1", TimerMaxTyping))
	assert.True(t, ts.IsActive("u1", TimerEndUpdate))

	ts.Cleanup("u1")
}
