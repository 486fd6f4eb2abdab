package clock

import (
	"sync"
	"time"

	"github.com/aaronwang/bidding-app/internal/models"
)

// Alarm re-derives an auction's phase at each window boundary and reports
// transitions. It replaces polling: a timer is armed for the start while
// not started and for the end while live, and nothing is armed once ended.
type Alarm struct {
	clock   Clock
	start   time.Time
	end     time.Time
	onPhase func(models.Phase)

	mu      sync.Mutex
	phase   models.Phase
	timer   Timer
	stopped bool
}

// NewAlarm evaluates the phase immediately and arms the next boundary.
// onPhase is called only on transitions, never for the initial phase, and
// never while the alarm's lock is held.
func NewAlarm(c Clock, start, end time.Time, onPhase func(models.Phase)) *Alarm {
	if c == nil {
		c = System
	}
	a := &Alarm{
		clock:   c,
		start:   start,
		end:     end,
		onPhase: onPhase,
	}

	a.mu.Lock()
	a.phase = DerivePhase(c.Now(), start, end)
	a.arm()
	a.mu.Unlock()

	return a
}

// Phase returns the phase as of the last evaluation
func (a *Alarm) Phase() models.Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Refresh re-derives the phase now, e.g. after the host wakes from sleep
// and timers may have drifted.
func (a *Alarm) Refresh() models.Phase {
	a.fire()
	return a.Phase()
}

// Stop cancels any pending boundary. It is safe to call more than once.
func (a *Alarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// arm must be called with mu held
func (a *Alarm) arm() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	var next time.Time
	switch a.phase {
	case models.PhaseNotStarted:
		next = a.start
	case models.PhaseLive:
		next = a.end
	default:
		return
	}

	d := next.Sub(a.clock.Now())
	if d < 0 {
		d = 0
	}
	a.timer = a.clock.AfterFunc(d, a.fire)
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	prev := a.phase
	a.phase = DerivePhase(a.clock.Now(), a.start, a.end)
	changed := a.phase != prev
	// A timer that fired early re-arms for the same boundary.
	a.arm()
	phase := a.phase
	a.mu.Unlock()

	if changed && a.onPhase != nil {
		a.onPhase(phase)
	}
}
