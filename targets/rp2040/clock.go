//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"quadenc/core"
)

// RP2040 timer peripheral; the counter runs at 1 MHz from the watchdog tick
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08 // Raw timer high word
	timerTIMERAWL = timerBase + 0x0C // Raw timer low word
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

// InitClock latches the hardware timer once so the boot time recorded by
// core.TimerInit is real
func InitClock() {
	UpdateSystemTime()
}

// GetHardwareTime returns the low 32 bits of the microsecond counter.
// Reading TIMERAWL does not latch the high word.
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// GetHardwareUptime reads the full 64-bit counter, retrying across a carry
func GetHardwareUptime() uint64 {
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// UpdateSystemTime copies the hardware counter into the core timebase
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}

// hardwareClock samples the timer register directly so encoder timestamps
// are taken at the moment of the counter read, not at the last loop pass
type hardwareClock struct{}

func (hardwareClock) Micros() uint32 {
	return GetHardwareTime()
}
