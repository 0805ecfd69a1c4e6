package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a manually advanced Clock built on clockwork's fake clock.
// Advance returns once every callback it made due has finished; those
// callbacks run on their own goroutines, so their order is not fixed.
// Timers scheduled from a callback start counting from the time Advance
// moved to.
type Fake struct {
	mu     sync.Mutex
	fc     *clockwork.FakeClock
	timers []*fakeTimer
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	return f.fc.Now()
}

// AfterFunc schedules fn to run when the clock has advanced by d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{clock: f, delay: d, deadline: f.fc.Now().Add(d)}
	f.timers = append(f.timers, t)
	t.timer = f.fc.AfterFunc(d, func() { t.fire(fn) })
	return t
}

// Advance moves the clock forward by d and waits for every timer that
// became due to finish its callback.
func (f *Fake) Advance(d time.Duration) {
	var wg sync.WaitGroup

	f.mu.Lock()
	target := f.fc.Now().Add(d)
	for _, t := range f.timers {
		if !t.done && !t.deadline.After(target) {
			t.wg = &wg
			wg.Add(1)
		}
	}
	f.mu.Unlock()

	f.fc.Advance(d)
	wg.Wait()
}

// Pending returns the delays of timers that have not fired or been stopped,
// in scheduling order.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]time.Duration, 0, len(f.timers))
	for _, t := range f.timers {
		out = append(out, t.delay)
	}
	return out
}

// finishLocked marks t done and drops it from the pending list. It returns
// the WaitGroup of the Advance waiting on t, if any. Caller must hold mu.
func (f *Fake) finishLocked(t *fakeTimer) *sync.WaitGroup {
	t.done = true
	for i, p := range f.timers {
		if p == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			break
		}
	}
	wg := t.wg
	t.wg = nil
	return wg
}

type fakeTimer struct {
	clock    *Fake
	timer    clockwork.Timer
	delay    time.Duration
	deadline time.Time

	// Guarded by clock.mu.
	done bool
	wg   *sync.WaitGroup
}

func (t *fakeTimer) fire(fn func()) {
	t.clock.mu.Lock()
	wg := t.clock.finishLocked(t)
	t.clock.mu.Unlock()

	if wg != nil {
		defer wg.Done()
	}
	fn()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done || !t.timer.Stop() {
		return false
	}
	if wg := t.clock.finishLocked(t); wg != nil {
		wg.Done()
	}
	return true
}
