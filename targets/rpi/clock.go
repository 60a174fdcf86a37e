//go:build linux && !tinygo

package main

import "time"

// monotonicClock counts microseconds since start from the monotonic clock.
// The value wraps after about 71 minutes like the RP2040 timer low word.
type monotonicClock struct {
	start time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Micros() uint32 {
	return uint32(time.Since(c.start) / time.Microsecond)
}
