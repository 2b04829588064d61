package client

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Every delay in this package goes through a Clock so tests can drive
// debouncing and reconnects by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock schedules on wall time.
var RealClock Clock = realClock{}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
