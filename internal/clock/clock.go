// Package clock provides an injectable source of time so that components
// driven by idle timers, health-probe backoff, and traffic-rate windows can
// be tested deterministically without sleeping in real time.
package clock

import "time"

// Timer is a cancellable, resettable one-shot alarm.
type Timer interface {
	// C returns the channel on which the timer delivers its fire time.
	C() <-chan time.Time
	// Stop prevents the timer from firing, returning false if it already
	// fired or was already stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d, returning false if it had
	// already fired or been stopped.
	Reset(d time.Duration) bool
}

// Clock is the source of "now" and of timers. Production code uses
// SystemClock; tests use Test.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer creates a Timer that fires once after d.
	NewTimer(d time.Duration) Timer
	// AfterFunc schedules f to run after d, returning a Timer that can cancel
	// it before it fires. SystemClock runs f in its own goroutine; Test runs
	// it synchronously inside Advance or Set.
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the real wall-clock/monotonic implementation, a thin
// wrapper around the time package.
type SystemClock struct{}

// New returns the system clock.
func New() Clock { return SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &systemTimer{t: t}
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	t := time.AfterFunc(d, f)
	return &systemTimer{t: t}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time      { return s.t.C }
func (s *systemTimer) Stop() bool                { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
