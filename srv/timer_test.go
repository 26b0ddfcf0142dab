package srv

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerExpiresOnce(t *testing.T) {
	var expired atomic.Int32
	timer := NewTurnTimer(nil, func() { expired.Add(1) })
	defer timer.Stop()

	timer.Start(250 * time.Millisecond)
	time.Sleep(600 * time.Millisecond)
	if n := expired.Load(); n != 1 {
		t.Fatalf("onExpired fired %d times; want 1", n)
	}
	if timer.Armed() {
		t.Fatal("timer still armed after expiry")
	}
}

func TestTimerStopPreventsExpiry(t *testing.T) {
	var expired atomic.Int32
	timer := NewTurnTimer(nil, func() { expired.Add(1) })

	timer.Start(200 * time.Millisecond)
	timer.Stop()
	timer.Stop() // idempotent
	time.Sleep(400 * time.Millisecond)
	if n := expired.Load(); n != 0 {
		t.Fatalf("onExpired fired %d times after Stop; want 0", n)
	}
}

func TestTimerPauseFreezesRemaining(t *testing.T) {
	timer := NewTurnTimer(nil, nil)
	defer timer.Stop()

	timer.Start(5 * time.Second)
	time.Sleep(150 * time.Millisecond)
	rem, ok := timer.Pause()
	if !ok {
		t.Fatal("Pause returned false on armed timer")
	}
	if rem >= 5*time.Second || rem < 4*time.Second {
		t.Fatalf("paused remaining = %v; want roughly 4.85s", rem)
	}

	// Remaining must not drain while paused.
	time.Sleep(300 * time.Millisecond)
	if got := timer.Remaining(); got != rem {
		t.Fatalf("Remaining() = %v while paused; want frozen %v", got, rem)
	}
	if _, ok := timer.Pause(); ok {
		t.Fatal("second Pause returned true")
	}
}

func TestTimerResumeFloor(t *testing.T) {
	timer := NewTurnTimer(nil, nil)
	defer timer.Stop()

	timer.Start(time.Second)
	time.Sleep(200 * time.Millisecond)
	if _, ok := timer.Pause(); !ok {
		t.Fatal("pause failed")
	}
	granted, ok := timer.Resume()
	if !ok {
		t.Fatal("Resume returned false on paused timer")
	}
	if granted < turnResumeFloor {
		t.Fatalf("granted = %v; want at least the %v floor", granted, turnResumeFloor)
	}
	if _, ok := timer.Resume(); ok {
		t.Fatal("second Resume returned true")
	}
}

func TestTimerResumeKeepsLargeRemainder(t *testing.T) {
	timer := NewTurnTimer(nil, nil)
	defer timer.Stop()

	timer.Start(10 * time.Second)
	time.Sleep(100 * time.Millisecond)
	rem, _ := timer.Pause()
	granted, _ := timer.Resume()
	if granted < rem-100*time.Millisecond || granted > rem+100*time.Millisecond {
		t.Fatalf("granted = %v; want about the frozen %v", granted, rem)
	}
}

func TestTimerRestartReplacesArming(t *testing.T) {
	var expired atomic.Int32
	timer := NewTurnTimer(nil, func() { expired.Add(1) })
	defer timer.Stop()

	timer.Start(200 * time.Millisecond)
	timer.Start(2 * time.Second) // replaces the first arming
	time.Sleep(500 * time.Millisecond)
	if n := expired.Load(); n != 0 {
		t.Fatalf("replaced arming fired %d times; want 0", n)
	}
	if !timer.Armed() {
		t.Fatal("timer not armed after restart")
	}
}

func TestTimerTicks(t *testing.T) {
	var ticks atomic.Int32
	timer := NewTurnTimer(func(rem, total time.Duration) {
		if total != 2*time.Second {
			t.Errorf("tick total = %v; want 2s", total)
		}
		ticks.Add(1)
	}, nil)
	defer timer.Stop()

	timer.Start(2 * time.Second)
	time.Sleep(550 * time.Millisecond)
	timer.Stop()
	if n := ticks.Load(); n < 3 {
		t.Fatalf("got %d ticks in 550ms; want at least 3", n)
	}
}
