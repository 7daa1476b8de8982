// ABOUTME: Tests for restart backoff computation
// ABOUTME: Covers linear growth, the cap, and the quiet-period reset

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_CrashesInQuickSuccession(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(time.Second, 0, start)

	// Three crashes within ten seconds.
	assert.Equal(t, 2*time.Second, w.Next(start.Add(1*time.Second)))
	assert.Equal(t, 4*time.Second, w.Next(start.Add(4*time.Second)))
	assert.Equal(t, 6*time.Second, w.Next(start.Add(9*time.Second)))
	assert.Equal(t, 3, w.Count())
}

func TestWatchdog_Cap(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(time.Second, 0, start)

	want := []time.Duration{2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 26, 28, 30, 30, 30, 30}
	now := start
	for i, steps := range want {
		now = now.Add(time.Second)
		assert.Equal(t, steps*time.Second, w.Next(now), "restart %d", i+1)
	}
}

func TestWatchdog_ResetsAfterQuietPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(time.Second, 0, start)

	now := start.Add(time.Second)
	assert.Equal(t, 2*time.Second, w.Next(now))
	now = now.Add(3 * time.Second)
	assert.Equal(t, 4*time.Second, w.Next(now))

	// Up for 65 seconds since the last restart.
	now = now.Add(65 * time.Second)
	assert.Equal(t, 2*time.Second, w.Next(now))
	assert.Equal(t, 1, w.Count())
}

func TestWatchdog_ExactlyAtWindowDoesNotReset(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(time.Second, 0, start)

	now := start.Add(time.Second)
	w.Next(now)
	now = now.Add(DefaultResetWindow)
	assert.Equal(t, 4*time.Second, w.Next(now))
}

func TestWatchdog_CustomUnit(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(time.Millisecond, time.Minute, start)
	assert.Equal(t, 2*time.Millisecond, w.Next(start))
	assert.Equal(t, 4*time.Millisecond, w.Next(start))
}
