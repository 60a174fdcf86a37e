//go:build !tinygo

package core

import "sync"

// State is returned by disableInterrupts and handed back to
// restoreInterrupts.
type State uintptr

// Without hardware interrupts a mutex gives the timer list the same
// exclusion between the sampling and command goroutines.
var interruptMu sync.Mutex

func disableInterrupts() State {
	interruptMu.Lock()
	return 0
}

func restoreInterrupts(state State) {
	interruptMu.Unlock()
}
