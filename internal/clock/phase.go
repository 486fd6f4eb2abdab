// Package clock derives auction phase from the local clock and schedules
// re-evaluation at the auction's window boundaries.
package clock

import (
	"time"

	"github.com/aaronwang/bidding-app/internal/models"
)

// DerivePhase returns the auction phase at now. An auction whose start and
// end coincide is never live.
func DerivePhase(now, start, end time.Time) models.Phase {
	if !now.Before(end) {
		return models.PhaseEnded
	}
	if now.Before(start) {
		return models.PhaseNotStarted
	}
	return models.PhaseLive
}

// Timer is the handle returned by Clock.AfterFunc
type Timer interface {
	Stop() bool
}

// Clock abstracts time so alarms can be driven by tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// System is the wall clock
var System Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
