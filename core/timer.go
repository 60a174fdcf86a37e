package core

// TimerFreq is the tick rate of the system timebase. The RP2040 timer and
// the Linux monotonic clock both run at 1 MHz here, so one tick is one
// microsecond and encoder timestamps need no conversion.
const TimerFreq = 1000000

var bootTime uint32

// GetTime returns the current system time in ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime stores the current hardware tick count. Targets call it from the
// main loop before dispatching timers.
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns ticks since TimerInit, valid across one clock wrap
func GetUptime() uint32 {
	return GetTime() - bootTime
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}

// TimerInit records the boot time
func TimerInit() {
	bootTime = GetTime()
}

// ProcessTimers latches the clock and runs every timer that is due
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}

// SystemClock reads the system timebase in microseconds; it satisfies the
// encoder clock interface.
type SystemClock struct{}

func (SystemClock) Micros() uint32 {
	return TimerToUS(GetTime())
}
