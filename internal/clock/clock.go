// Package clock abstracts timer scheduling so backoff and resync logic can be
// driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock schedules callbacks and reports the current time.
type Clock interface {
	Now() time.Time

	// AfterFunc runs f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback returned by AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{c: clockwork.NewRealClock()}
}

type realClock struct {
	c clockwork.Clock
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) Timer {
	return r.c.AfterFunc(d, f)
}
