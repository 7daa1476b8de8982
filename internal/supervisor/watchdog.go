// ABOUTME: Restart backoff controller kept across crash cycles of one agent
// ABOUTME: Counter resets after a quiet period, delay grows linearly and is capped

package supervisor

import "time"

const (
	// DefaultResetWindow is how long an agent must go without a restart
	// before its restart counter starts over.
	DefaultResetWindow = 60 * time.Second

	backoffStep     = 2
	backoffMaxSteps = 30
)

// Watchdog computes the delay before each restart attempt.
type Watchdog struct {
	unit        time.Duration
	resetWindow time.Duration
	count       int
	lastRestart time.Time
}

// NewWatchdog creates a watchdog whose delays are multiples of unit.
// The quiet period is measured from start.
func NewWatchdog(unit, resetWindow time.Duration, start time.Time) *Watchdog {
	if unit <= 0 {
		unit = time.Second
	}
	if resetWindow <= 0 {
		resetWindow = DefaultResetWindow
	}
	return &Watchdog{
		unit:        unit,
		resetWindow: resetWindow,
		lastRestart: start,
	}
}

// Next records a restart at now and returns how long to wait before it:
// min(count*2, 30) units.
func (w *Watchdog) Next(now time.Time) time.Duration {
	if now.Sub(w.lastRestart) > w.resetWindow {
		w.count = 0
	}
	w.lastRestart = now
	w.count++

	steps := min(w.count*backoffStep, backoffMaxSteps)
	return time.Duration(steps) * w.unit
}

// Count returns the current restart counter.
func (w *Watchdog) Count() int {
	return w.count
}
