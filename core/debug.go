package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures an encoder event for post-mortem analysis
type TimingEvent struct {
	EventType uint8
	OID       uint8
	Clock     uint32
	Value1    uint32
	Value2    uint32
}

// Event type codes
const (
	EvtEncoderConfig = 1 // channel registered, v1=ppr v2=sample ticks
	EvtEncoderStart  = 2 // sampling started, v1=report interval us
	EvtEncoderStop   = 3 // sampling stopped
	EvtCounterLimit  = 4 // counter reached a limit, v1=event
	EvtFallback      = 5 // sample used the fallback interval, v1=total
	EvtEncoderReset  = 6 // counter cleared by the host
	EvtTimerPast     = 7 // sampler fell behind, v1=ticks late
	EvtCommandError  = 8 // host command failed, v1=message id
)

const TimingRingSize = 32

var (
	debugPrintln DebugWriter = func(s string) {}

	// Disabled by default so sampling is not slowed by output
	debugEnabled bool

	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8

	debugChan chan string
)

// SetDebugWriter sets the platform output for debug messages (UART, USB,
// log handler)
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine.
// Call this from main() after SetDebugWriter.
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker(debugChan)
}

func debugOutputWorker(ch <-chan string) {
	for msg := range ch {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes synchronously when debug output is enabled
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a message and drops it if the queue is full
func DebugAsync(msg string) {
	if !debugEnabled || debugChan == nil {
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// RecordTiming stores an event in the ring. It never blocks and is safe
// to call from a timer handler.
func RecordTiming(eventType, oid uint8, clock, value1, value2 uint32) {
	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		OID:       oid,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
}

// TimingEvents returns the recorded events, oldest first
func TimingEvents() []TimingEvent {
	var events []TimingEvent
	start := timingRingHead
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := timingRing[(start+i)%TimingRingSize]
		if evt.EventType != 0 {
			events = append(events, evt)
		}
	}
	return events
}

func timingEventName(eventType uint8) string {
	switch eventType {
	case EvtEncoderConfig:
		return "ENC_CONFIG"
	case EvtEncoderStart:
		return "ENC_START"
	case EvtEncoderStop:
		return "ENC_STOP"
	case EvtCounterLimit:
		return "LIMIT"
	case EvtFallback:
		return "FALLBACK"
	case EvtEncoderReset:
		return "ENC_RESET"
	case EvtTimerPast:
		return "TIMER_PAST!"
	case EvtCommandError:
		return "CMD_ERROR"
	}
	return "UNKNOWN"
}

// DumpTimingRing writes the ring through the debug writer, oldest first
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TIMING] === Timing Ring Dump ===")
	debugPrintln("[TIMING] Encoders: " + itoa(EncoderCount()))
	for _, evt := range TimingEvents() {
		debugPrintln("[TIMING] " + timingEventName(evt.EventType) +
			" oid=" + itoa(int(evt.OID)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[TIMING] === End Dump ===")
}

func ClearTimingRing() {
	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
}
