package core

// Timer is a scheduled callback. Handler returns SF_DONE to drop the timer
// or SF_RESCHEDULE after advancing WakeTime.
//
// Handlers run with the timer list locked and must not call ScheduleTimer
// or CancelTimer.
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

var (
	timerList   *Timer
	currentTime uint32
)

// timerBefore compares tick values across a clock wrap. Valid while the
// two times are less than 2^31 ticks apart (about 35 minutes at 1 MHz).
func timerBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// ScheduleTimer adds t to the schedule. A timer that is already queued is
// moved to its new wake time.
func ScheduleTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	removeTimer(t)
	insertTimer(t)
}

// CancelTimer removes t from the schedule. It reports whether the timer
// was queued.
func CancelTimer(t *Timer) bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	return removeTimer(t)
}

func insertTimer(t *Timer) {
	if timerList == nil || timerBefore(t.WakeTime, timerList.WakeTime) {
		t.Next = timerList
		timerList = t
		return
	}

	current := timerList
	for current.Next != nil && !timerBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

func removeTimer(t *Timer) bool {
	if timerList == t {
		timerList = t.Next
		t.Next = nil
		return true
	}
	for current := timerList; current != nil; current = current.Next {
		if current.Next == t {
			current.Next = t.Next
			t.Next = nil
			return true
		}
	}
	return false
}

// TimerDispatch runs every timer due at currentTime in wake order
func TimerDispatch() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for timerList != nil && !timerBefore(currentTime, timerList.WakeTime) {
		timer := timerList
		timerList = timer.Next
		timer.Next = nil

		if timer.Handler(timer) == SF_RESCHEDULE {
			insertTimer(timer)
		}
	}
}

// PendingTimers returns the number of queued timers
func PendingTimers() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	n := 0
	for t := timerList; t != nil; t = t.Next {
		n++
	}
	return n
}

// resetTimers empties the schedule
func resetTimers() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for timerList != nil {
		t := timerList
		timerList = t.Next
		t.Next = nil
	}
}
