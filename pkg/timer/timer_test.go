package timer

import (
	"testing"
	"time"
)

// TestManualClock tests manual advancement and the ms derivative.
func TestManualClock(t *testing.T) {
	var c Manual
	if c.NowMicros() != 0 {
		t.Fatalf("NowMicros() = %d, want 0", c.NowMicros())
	}
	c.Advance(1500 * time.Microsecond)
	c.Advance(2 * time.Second)
	if got := c.NowMicros(); got != 2_001_500 {
		t.Errorf("NowMicros() = %d, want 2001500", got)
	}
	if got := Millis(&c); got != 2001 {
		t.Errorf("Millis() = %d, want 2001", got)
	}
}

// TestMonotonicClock tests that the host clock never goes backwards.
func TestMonotonicClock(t *testing.T) {
	c := NewMonotonic()
	a := c.NowMicros()
	time.Sleep(time.Millisecond)
	b := c.NowMicros()
	if b <= a {
		t.Errorf("NowMicros() went from %d to %d", a, b)
	}
}
