// Package timer is the kernel's view of the monotonic clock.
package timer

import (
	"sync/atomic"
	"time"
)

// Clock reports microseconds since some fixed point.
type Clock interface {
	NowMicros() uint64
}

// Millis returns c's reading in milliseconds.
func Millis(c Clock) uint64 {
	return c.NowMicros() / 1000
}

// Monotonic is a Clock backed by the host's monotonic clock, counting from
// the moment it was created.
type Monotonic struct {
	start time.Time
}

// NewMonotonic starts a clock at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// NowMicros implements Clock.
func (m *Monotonic) NowMicros() uint64 {
	return uint64(time.Since(m.start).Microseconds())
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	us atomic.Uint64
}

// NowMicros implements Clock.
func (m *Manual) NowMicros() uint64 {
	return m.us.Load()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.us.Add(uint64(d.Microseconds()))
}
