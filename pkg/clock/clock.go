// Package clock abstracts the handful of time operations the session code
// needs so that deadlines can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and call Advance after
// WaitForTimers has confirmed the code under test armed its deadline.
package clock

import "time"

// Clock is the time source used by brokers, stores and the request pipeline.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. Stop on the returned Timer
	// cancels the call if it has not fired yet.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer; false means it already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
