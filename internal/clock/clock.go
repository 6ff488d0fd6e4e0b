// Package clock provides injectable time sources for components that
// throttle, bucket, or expire state.
package clock

import (
	"sync"
	"time"
)

// Now is the time source signature accepted by components. A nil Now
// falls back to time.Now at the call site.
type Now func() time.Time

// System returns the wall-clock time source.
func System() Now { return time.Now }

// Manual is a hand-advanced time source for deterministic tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual constructs a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{t: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the manual clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// Set pins the manual clock to the given instant.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}
