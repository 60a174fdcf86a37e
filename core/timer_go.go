//go:build !tinygo

package core

import "sync/atomic"

// On the host the Linux target advances the ticks from its own goroutine
// while tests drive them directly.
var systemTicks atomic.Uint32

func getSystemTicks() uint32 {
	return systemTicks.Load()
}

func setSystemTicks(ticks uint32) {
	systemTicks.Store(ticks)
}
