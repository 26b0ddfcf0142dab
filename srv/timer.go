package srv

import (
	"sync"
	"time"
)

const (
	// turnTickInterval is how often the timer reports remaining time.
	turnTickInterval = 100 * time.Millisecond
	// turnResumeFloor is the minimum remaining time granted on resume,
	// so a reconnected player gets a fair shot at their turn.
	turnResumeFloor = 3 * time.Second
)

// TurnTimer is the per-room round timer. It supports pause (freeze
// remaining time without drift) and resume (re-arm from the frozen
// remainder). Deadlines ride Go's monotonic clock, so wall-clock jumps
// do not skew a round.
type TurnTimer struct {
	mu        sync.Mutex
	total     time.Duration
	deadline  time.Time     // zero while not armed
	remaining time.Duration // meaningful while paused
	paused    bool
	cancel    chan struct{}
	onTick    func(remaining, total time.Duration)
	onExpired func()
}

// NewTurnTimer creates a timer. onTick fires on a short cadence while
// armed; onExpired fires exactly once per arming when the deadline
// passes.
func NewTurnTimer(onTick func(remaining, total time.Duration), onExpired func()) *TurnTimer {
	return &TurnTimer{onTick: onTick, onExpired: onExpired}
}

// Start arms the timer for a full round of the given duration, replacing
// any previous arming.
func (t *TurnTimer) Start(total time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.total = total
	t.remaining = total
	t.paused = false
	t.armLocked(total)
}

// armLocked sets the deadline and launches the run loop. Caller holds mu.
func (t *TurnTimer) armLocked(d time.Duration) {
	t.deadline = time.Now().Add(d)
	ch := make(chan struct{})
	t.cancel = ch
	go t.run(ch)
}

func (t *TurnTimer) run(ch chan struct{}) {
	ticker := time.NewTicker(turnTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.cancel != ch {
				// A newer arming replaced this run.
				t.mu.Unlock()
				return
			}
			rem := time.Until(t.deadline)
			total := t.total
			if rem <= 0 {
				// Clear the handle before firing so a racing Stop or a
				// second expiry cannot double-apply the loss.
				t.cancel = nil
				t.deadline = time.Time{}
				t.remaining = 0
				t.mu.Unlock()
				if t.onExpired != nil {
					t.onExpired()
				}
				return
			}
			t.mu.Unlock()
			if t.onTick != nil {
				t.onTick(rem, total)
			}
		}
	}
}

// Pause freezes the remaining time. Returns the frozen remainder and
// whether a pause actually happened.
func (t *TurnTimer) Pause() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || t.deadline.IsZero() {
		return 0, false
	}
	rem := time.Until(t.deadline)
	if rem < 0 {
		rem = 0
	}
	t.remaining = rem
	t.paused = true
	t.stopLocked()
	t.deadline = time.Time{}
	return rem, true
}

// Resume re-arms from the frozen remainder, floored at turnResumeFloor.
// Returns the granted duration and whether a resume actually happened.
func (t *TurnTimer) Resume() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return 0, false
	}
	rem := t.remaining
	if rem < turnResumeFloor {
		rem = turnResumeFloor
	}
	t.paused = false
	t.armLocked(rem)
	return rem, true
}

// Stop disarms the timer. Idempotent.
func (t *TurnTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.paused = false
	t.deadline = time.Time{}
	t.remaining = 0
}

func (t *TurnTimer) stopLocked() {
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
}

// Remaining returns the current remaining time: the frozen remainder
// while paused, the live remainder while armed, zero otherwise.
func (t *TurnTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		return t.remaining
	}
	if t.deadline.IsZero() {
		return 0
	}
	rem := time.Until(t.deadline)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Armed reports whether the timer is currently counting down.
func (t *TurnTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.deadline.IsZero() && !t.paused
}

// Paused reports whether the timer is paused.
func (t *TurnTimer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Total returns the full round duration of the current arming.
func (t *TurnTimer) Total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
