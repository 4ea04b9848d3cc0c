package chat

import (
	"sync"
	"time"
)

// TimerName identifies one of the fixed per-connection timers.
type TimerName string

const (
	TimerTypingIdle TimerName = "typing_idle" // user paused typing; wait before regenerating
	TimerMaxTyping  TimerName = "max_typing"  // user typing too long; regenerate anyway
	TimerGroupDelay TimerName = "group_delay" // settle period after a group boundary
	TimerEndUpdate  TimerName = "end_update"  // post-response follow-up
)

// TimerService keeps at most one scheduled single-shot callback per
// (connection, name). Setting a timer first cancels any prior timer of the
// same name for that connection. Cancelling is a best-effort race with the
// firing: callbacks must re-read session state on entry and tolerate
// running after their precondition has vanished.
type TimerService struct {
	mu     sync.Mutex
	timers map[string]map[TimerName]*namedTimer
}

type namedTimer struct {
	t *time.Timer
}

// NewTimerService creates an empty timer service.
func NewTimerService() *TimerService {
	return &TimerService{timers: make(map[string]map[TimerName]*namedTimer)}
}

// Set schedules fn to run once after d, replacing any prior timer of the
// same name for the connection. fn runs on its own goroutine.
func (ts *TimerService) Set(userID string, name TimerName, d time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	byName, ok := ts.timers[userID]
	if !ok {
		byName = make(map[TimerName]*namedTimer)
		ts.timers[userID] = byName
	}
	if prev, ok := byName[name]; ok {
		prev.t.Stop()
	}

	entry := &namedTimer{}
	entry.t = time.AfterFunc(d, func() {
		if ts.claim(userID, name, entry) {
			fn()
		}
	})
	byName[name] = entry
}

// claim removes the entry if it is still the registered timer for the
// (connection, name) pair. A false return means the timer was cancelled or
// replaced after firing was already committed; the callback must not run.
func (ts *TimerService) claim(userID string, name TimerName, entry *namedTimer) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byName, ok := ts.timers[userID]
	if !ok || byName[name] != entry {
		return false
	}
	delete(byName, name)
	return true
}

// Cancel stops the named timers for the connection.
func (ts *TimerService) Cancel(userID string, names ...TimerName) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byName, ok := ts.timers[userID]
	if !ok {
		return
	}
	for _, name := range names {
		if entry, ok := byName[name]; ok {
			entry.t.Stop()
			delete(byName, name)
		}
	}
}

// CancelAll stops every timer for the connection but keeps its entry so new
// timers can be scheduled.
func (ts *TimerService) CancelAll(userID string) {
	ts.Cancel(userID, TimerTypingIdle, TimerMaxTyping, TimerGroupDelay, TimerEndUpdate)
}

// CancelTypingTimers stops the typing-idle and max-typing pair.
func (ts *TimerService) CancelTypingTimers(userID string) {
	ts.Cancel(userID, TimerTypingIdle, TimerMaxTyping)
}

// IsActive reports whether the named timer is scheduled and not yet fired.
func (ts *TimerService) IsActive(userID string, name TimerName) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byName, ok := ts.timers[userID]
	if !ok {
		return false
	}
	_, ok = byName[name]
	return ok
}

// Cleanup stops and removes all timers for the connection.
func (ts *TimerService) Cleanup(userID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byName, ok := ts.timers[userID]
	if !ok {
		return
	}
	for _, entry := range byName {
		entry.t.Stop()
	}
	delete(ts.timers, userID)
}
