package exam

import (
	"sync"
	"time"
)

// TimerPurpose names what a scheduled action is for. At most one timer per
// purpose is pending at a time; scheduling the same purpose again replaces
// the previous timer.
type TimerPurpose string

const (
	PurposeAutoEnd     TimerPurpose = "auto_end"
	PurposeIdle        TimerPurpose = "idle"
	PurposePauseExpiry TimerPurpose = "pause_expiry"
	PurposeGraceExpiry TimerPurpose = "grace_expiry"
)

// WarningPurpose returns the purpose for the time-warning fired when
// remaining time reaches threshold.
func WarningPurpose(threshold time.Duration) TimerPurpose {
	return TimerPurpose("warning_" + threshold.String())
}

// TimerSet is the per-session collection of cancellable delayed actions.
// Terminal transitions call CancelAll once instead of walking loose timer
// fields, which is the main defence against leaked timers.
//
// Actions run on the runtime timer goroutine; they should only post an event
// to the session's queue, never mutate session state directly. All methods
// are safe for concurrent use.
type TimerSet struct {
	mu     sync.Mutex
	timers map[TimerPurpose]*time.Timer
}

// NewTimerSet creates an empty TimerSet.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[TimerPurpose]*time.Timer)}
}

// Schedule arranges for fn to run after delay. A pending timer with the same
// purpose is cancelled first.
func (ts *TimerSet) Schedule(purpose TimerPurpose, delay time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t, ok := ts.timers[purpose]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		ts.mu.Lock()
		// Drop the entry only if it is still ours; a reschedule may have
		// replaced it while we were waiting for the lock.
		if ts.timers[purpose] == timer {
			delete(ts.timers, purpose)
		}
		ts.mu.Unlock()
		fn()
	})
	ts.timers[purpose] = timer
}

// Cancel stops the pending timer for purpose, if any. Reports whether a timer
// was pending.
func (ts *TimerSet) Cancel(purpose TimerPurpose) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.timers[purpose]
	if !ok {
		return false
	}
	t.Stop()
	delete(ts.timers, purpose)
	return true
}

// CancelAll stops every pending timer.
func (ts *TimerSet) CancelAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for purpose, t := range ts.timers {
		t.Stop()
		delete(ts.timers, purpose)
	}
}

// Pending returns the number of pending timers.
func (ts *TimerSet) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}
