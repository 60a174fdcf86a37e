//go:build tinygo

package core

import "sync/atomic"

// Written by the main loop, read from interrupt handlers
var systemTicksValue uint32

func getSystemTicks() uint32 {
	return atomic.LoadUint32(&systemTicksValue)
}

func setSystemTicks(ticks uint32) {
	atomic.StoreUint32(&systemTicksValue, ticks)
}
