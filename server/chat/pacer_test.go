package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records every event sent to it. Shared by pacer and
// orchestrator tests.
type fakeChannel struct {
	mu        sync.Mutex
	events    []any
	sendErr   error
	connected atomic.Bool
}

func newFakeChannel() *fakeChannel {
	c := &fakeChannel{}
	c.connected.Store(true)
	return c
}

func (c *fakeChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, v)
	return nil
}

func (c *fakeChannel) Connected() bool { return c.connected.Load() }

func (c *fakeChannel) Events() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeChannel) blockTexts() []string {
	var out []string
	for _, ev := range c.Events() {
		if blk, ok := ev.(AIBlockEvent); ok {
			out = append(out, blk.Text)
		}
	}
	return out
}

func (c *fakeChannel) countType(eventType string) int {
	n := 0
	for _, ev := range c.Events() {
		switch e := ev.(type) {
		case MessageReceivedEvent:
			if e.Type == eventType {
				n++
			}
		case AIBlockEvent:
			if e.Type == eventType {
				n++
			}
		case AICompleteEvent:
			if e.Type == eventType {
				n++
			}
		case ErrorEvent:
			if e.Type == eventType {
				n++
			}
		case ChatModeSetEvent:
			if e.Type == eventType {
				n++
			}
		}
	}
	return n
}

// callbackRecorder captures pacer callback invocations.
type callbackRecorder struct {
	mu             sync.Mutex
	groups         []int
	bufferComplete int
}

func (r *callbackRecorder) onGroup(_ string, group int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, group)
}

func (r *callbackRecorder) onBuffer(_ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufferComplete++
}

func (r *callbackRecorder) snapshot() ([]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make([]int, len(r.groups))
	copy(groups, r.groups)
	return groups, r.bufferComplete
}

func newTestPacer(store *Store) *Pacer {
	return newPacer(store, newKeyedMutex(), 2*time.Millisecond)
}

func TestPacer_EmitsAllBlocksInOrder(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "the cards are drawn", Group: 0},
		{Text: "three of cups", Group: 0},
		{Text: "a reunion approaches", Group: 1},
	})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool {
		_, done := rec.snapshot()
		return done == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"the cards are drawn", "three of cups", "a reunion approaches"}, ch.blockTexts())

	groups, done := rec.snapshot()
	assert.Equal(t, []int{0, 1}, groups, "group boundary after block 2 and at buffer end")
	assert.Equal(t, 1, done)
	assert.True(t, store.IsBufferComplete("u1"))

	// Every emitted block lands in history as a model turn.
	h := store.HistorySnapshot("u1", 0)
	require.Len(t, h, 3)
	for _, entry := range h {
		assert.Equal(t, RoleModel, entry.Role)
	}
}

func TestPacer_StopHaltsEmission(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 0, TypingTime: 0.2},
		{Text: "b", Group: 0, TypingTime: 0.2},
		{Text: "c", Group: 0, TypingTime: 0.2},
	})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool { return len(ch.blockTexts()) >= 1 },
		2*time.Second, 5*time.Millisecond)
	pacer.Stop("u1")
	assert.False(t, pacer.IsSending("u1"))

	// Let any step that was already past the chain check drain.
	time.Sleep(20 * time.Millisecond)
	emitted := len(ch.blockTexts())
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, emitted, len(ch.blockTexts()), "no emission after stop")
	_, done := rec.snapshot()
	assert.Equal(t, 0, done, "stop fires no callbacks")
}

func TestPacer_PauseAndResume(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 0, TypingTime: 0.1},
		{Text: "b", Group: 0, TypingTime: 0.1},
	})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool { return len(ch.blockTexts()) >= 1 },
		2*time.Second, 5*time.Millisecond)
	pacer.Pause("u1")
	assert.True(t, store.IsPaused("u1"))

	// Let any step that was already past the pause check drain.
	time.Sleep(20 * time.Millisecond)
	emitted := len(ch.blockTexts())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, emitted, len(ch.blockTexts()), "no emission while paused")

	pacer.Resume("u1")
	require.Eventually(t, func() bool {
		_, done := rec.snapshot()
		return done == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, ch.blockTexts())
}

func TestPacer_ReleasesOnInterruptCutover(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 0},
		{Text: "b", Group: 0},
	})
	// Regeneration pending with no group protection: the next step must
	// release without emitting or firing callbacks.
	store.SetNeedsUpdate("u1", true)
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool { return !pacer.IsSending("u1") },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, ch.blockTexts())
	groups, done := rec.snapshot()
	assert.Empty(t, groups)
	assert.Equal(t, 0, done)
}

func TestPacer_KeepsEmittingWhileWaitingForGroup(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 0},
		{Text: "b", Group: 0},
		{Text: "c", Group: 1},
	})
	store.SetNeedsUpdate("u1", true)
	store.SetWaitingForGroup("u1", true)

	// Mirror the orchestrator's boundary handler: lift the group protection
	// inside the callback, which runs before the next step is scheduled.
	onGroup := func(userID string, group int) {
		store.SetWaitingForGroup(userID, false)
		rec.onGroup(userID, group)
	}
	pacer.Start("u1", ch, onGroup, rec.onBuffer)

	// Group 0 drains; the step after its boundary observes needsUpdate with
	// the protection lifted and releases before emitting "c".
	require.Eventually(t, func() bool {
		groups, _ := rec.snapshot()
		return len(groups) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, ch.blockTexts())
	_, done := rec.snapshot()
	assert.Equal(t, 0, done)
}

func TestPacer_StartSkipsDeadChannel(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	ch.connected.Store(false)
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{{Text: "a", Group: 0}})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)
	assert.False(t, pacer.IsSending("u1"))
}

func TestPacer_ReleasesWhenChannelDies(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "a", Group: 0, TypingTime: 0.2},
		{Text: "b", Group: 0, TypingTime: 0.2},
	})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool { return len(ch.blockTexts()) >= 1 },
		2*time.Second, 5*time.Millisecond)
	ch.connected.Store(false)

	require.Eventually(t, func() bool { return !pacer.IsSending("u1") },
		2*time.Second, 5*time.Millisecond)
	_, done := rec.snapshot()
	assert.Equal(t, 0, done)
}

func TestPacer_SendErrorReleasesChain(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	ch.sendErr = errors.New("write on closed socket")
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{{Text: "a", Group: 0}})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool { return !pacer.IsSending("u1") },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.blockTexts())
	assert.Empty(t, store.HistorySnapshot("u1", 0), "failed emission is not recorded")
}

func TestPacer_StartSupersedesPriorChain(t *testing.T) {
	store := NewStore()
	pacer := newTestPacer(store)
	ch := newFakeChannel()
	rec := &callbackRecorder{}

	store.InstallBuffer("u1", []Block{
		{Text: "old-1", Group: 0, TypingTime: 0.3},
		{Text: "old-2", Group: 0, TypingTime: 0.3},
	})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	// Replace the buffer and restart before the first old block fires.
	store.InstallBuffer("u1", []Block{{Text: "new-1", Group: 0}})
	pacer.Start("u1", ch, rec.onGroup, rec.onBuffer)

	require.Eventually(t, func() bool {
		_, done := rec.snapshot()
		return done >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"new-1"}, ch.blockTexts())
}

func TestPacer_DelayFor(t *testing.T) {
	p := newPacer(NewStore(), newKeyedMutex(), 0)
	assert.Equal(t, DefaultMinBlockDelay, p.minDelay)

	assert.Equal(t, time.Second, p.delayFor(Block{TypingTime: 0}))
	assert.Equal(t, time.Second, p.delayFor(Block{TypingTime: 0.4}))
	assert.Equal(t, 2500*time.Millisecond, p.delayFor(Block{TypingTime: 2.5}))
}
