// Package raceclock supplies the sole source of truth for scheduling and
// race-time arithmetic: a strictly non-decreasing time source, abstracted
// so tests can substitute a fake.
package raceclock

import "time"

// Clock is a monotonic time source. Now must never return a value smaller
// than a previous call's result.
type Clock interface {
	// Now returns seconds on a monotonic clock; the epoch is arbitrary and
	// only differences between two calls are meaningful.
	Now() float64
	// AfterFunc schedules fn to run once, at or after d has elapsed. The
	// returned Timer can be stopped before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer cancels a scheduled AfterFunc callback.
type Timer interface {
	// Stop prevents the timer from firing, if it hasn't already. It
	// returns true if the stop prevented the fire.
	Stop() bool
}

// System is the production Clock, backed by time.Now's monotonic reading.
type System struct {
	epoch time.Time
}

// NewSystem returns a Clock whose Now() is seconds-since-construction.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// Now returns seconds elapsed since the clock was constructed.
func (s *System) Now() float64 {
	return time.Since(s.epoch).Seconds()
}

// AfterFunc schedules fn via the runtime timer wheel.
func (s *System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
