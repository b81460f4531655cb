// Package clock provides the hub reference clock and a manually driven clock
// for tests.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrNotMonotonic is returned when the system clock carries no monotonic reading.
var ErrNotMonotonic = errors.New("clock: system clock has no monotonic reading")

// Clock is the reference time source of the hub.
type Clock interface {
	Now() time.Time
}

// System reports wall time anchored to the monotonic clock taken at
// construction, so readings never step backwards when NTP adjusts the wall
// clock.
type System struct {
	anchor time.Time
}

// NewSystem anchors a System clock to the current time.
func NewSystem() (*System, error) {
	anchor := time.Now()
	// Round(0) strips the monotonic reading; equal values mean there was none.
	if anchor == anchor.Round(0) {
		return nil, ErrNotMonotonic
	}
	return &System{anchor: anchor}, nil
}

// Now returns the anchor plus the monotonic time elapsed since it was taken.
func (s *System) Now() time.Time {
	return s.anchor.Round(0).Add(time.Since(s.anchor))
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
