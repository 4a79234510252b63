// Package timeutil abstracts the clock so components that own timers can be
// driven deterministically in tests.
package timeutil

import "time"

// Timer is a handle to a pending callback scheduled through a Provider.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

// Provider supplies the current time and schedules callbacks.
type Provider interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for at least d.
	Sleep(d time.Duration)

	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

type realProvider struct{}

// Default returns a Provider backed by the standard library clock.
func Default() Provider { return realProvider{} }

func (realProvider) Now() time.Time                            { return time.Now() }
func (realProvider) Sleep(d time.Duration)                     { time.Sleep(d) }
func (realProvider) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
