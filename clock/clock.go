// Package clock abstracts the monotonic time source used by error handling
// so that multi-second reset and debounce waits can be driven from tests.
package clock

import (
	"context"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is a source of time, sleeps and timers.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It returns false if the call
	// already fired or was stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

var _ Clock = Real{}

var wall = bclock.New()

// Now returns the wall time.
func (Real) Now() time.Time { return wall.Now() }

// Sleep waits on a timer or ctx.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := wall.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules f on the wall clock.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return wall.AfterFunc(d, f)
}

// Virtual is a manually advanced clock backed by a mock clock. Sleep
// advances the clock by the requested duration and returns immediately,
// firing any timer that falls due on the way.
type Virtual struct {
	mock    *bclock.Mock
	advance sync.Mutex // serializes Add so time never moves backward

	mutex  sync.Mutex
	timers []*virtualTimer
}

var _ Clock = (*Virtual)(nil)

// NewVirtual returns a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	m := bclock.NewMock()
	m.Set(start)
	return &Virtual{mock: m}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time { return v.mock.Now() }

// Sleep advances the clock by d.
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.Advance(d)
	return nil
}

// AfterFunc schedules f at now+d.
func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	t := &virtualTimer{
		clock: v,
		when:  v.mock.Now().Add(d),
		timer: v.mock.AfterFunc(d, f),
	}
	v.mutex.Lock()
	v.timers = append(v.timers, t)
	v.mutex.Unlock()
	if d <= 0 {
		v.Advance(0)
	}
	return t
}

// Advance moves the clock forward by d and fires due timers in deadline
// order.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v.advance.Lock()
	defer v.advance.Unlock()
	v.mock.Add(d)
}

// Pending returns the number of timers not yet fired or stopped.
func (v *Virtual) Pending() int {
	now := v.mock.Now()
	v.mutex.Lock()
	defer v.mutex.Unlock()
	kept := v.timers[:0]
	for _, t := range v.timers {
		if t.when.After(now) {
			kept = append(kept, t)
		}
	}
	v.timers = kept
	return len(kept)
}

type virtualTimer struct {
	clock *Virtual
	when  time.Time
	timer *bclock.Timer
}

func (t *virtualTimer) Stop() bool {
	if !t.timer.Stop() {
		return false
	}
	v := t.clock
	v.mutex.Lock()
	defer v.mutex.Unlock()
	for i, o := range v.timers {
		if o == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			break
		}
	}
	return true
}
