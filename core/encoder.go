package core

import (
	"errors"
	"sync/atomic"

	"quadenc/pcnt"
	"quadenc/protocol"
	"quadenc/sensor"
)

var (
	ErrDuplicateEncoder = errors.New("encoder oid already registered")
	ErrUnknownEncoder   = errors.New("unknown encoder oid")
	ErrNilSensor        = errors.New("encoder sensor is nil")
	ErrZeroSamplePeriod = errors.New("encoder sample period is zero")
)

// CounterClearer zeroes the pulse counter behind a sensor
type CounterClearer interface {
	Clear() error
}

// countReporter is implemented by quadrature sensors
type countReporter interface {
	Count() int64
	FallbackSamples() uint32
}

// EncoderConfig describes one encoder channel
type EncoderConfig struct {
	Name        string
	PPR         uint32
	PinA        uint8
	PinB        uint8
	Backend     string
	SampleTicks uint32
}

// EncoderChannel samples one motion sensor from a timer and reports its
// state from task context.
type EncoderChannel struct {
	OID     uint8
	Name    string
	Sensor  sensor.MotionSensor
	Info    protocol.EncoderInfo
	counter CounterClearer

	timer       Timer
	sampleTicks uint32
	reportTicks uint32
	nextReport  uint32
	running     bool
	samples     uint32

	// Set by the timer or an edge handler, cleared by EncoderTask
	reportPending uint32
	eventPending  uint32
	reportClock   uint32

	lastFallbacks uint32
}

var (
	encoders     = make(map[uint8]*EncoderChannel)
	encoderOrder []uint8
	encoderWake  uint32
)

// RegisterEncoder adds a channel and runs the sensor's one-time setup.
// The channel does not sample until StartEncoder.
func RegisterEncoder(oid uint8, s sensor.MotionSensor, counter CounterClearer, cfg EncoderConfig) (*EncoderChannel, error) {
	if s == nil {
		return nil, ErrNilSensor
	}
	if cfg.SampleTicks == 0 {
		return nil, ErrZeroSamplePeriod
	}
	if _, exists := encoders[oid]; exists {
		return nil, ErrDuplicateEncoder
	}
	if err := s.Init(); err != nil {
		return nil, err
	}

	ch := &EncoderChannel{
		OID:     oid,
		Name:    cfg.Name,
		Sensor:  s,
		counter: counter,
		Info: protocol.EncoderInfo{
			OID:     oid,
			PPR:     cfg.PPR,
			PinA:    cfg.PinA,
			PinB:    cfg.PinB,
			Backend: cfg.Backend,
		},
		sampleTicks: cfg.SampleTicks,
	}
	ch.timer.Handler = ch.sample

	encoders[oid] = ch
	encoderOrder = append(encoderOrder, oid)

	RecordTiming(EvtEncoderConfig, oid, GetTime(), cfg.PPR, cfg.SampleTicks)
	DebugPrintln("[ENC] registered oid=" + itoa(int(oid)) + " " + cfg.Name + " backend=" + cfg.Backend)
	return ch, nil
}

// GetEncoder returns the channel registered under oid
func GetEncoder(oid uint8) *EncoderChannel {
	return encoders[oid]
}

// Encoders returns the channels in registration order
func Encoders() []*EncoderChannel {
	chans := make([]*EncoderChannel, 0, len(encoderOrder))
	for _, oid := range encoderOrder {
		chans = append(chans, encoders[oid])
	}
	return chans
}

// UnregisterEncoder stops a channel and removes it, for targets that fail
// to finish setting up an encoder after registering it
func UnregisterEncoder(oid uint8) error {
	ch, ok := encoders[oid]
	if !ok {
		return ErrUnknownEncoder
	}
	CancelTimer(&ch.timer)
	delete(encoders, oid)
	for i, o := range encoderOrder {
		if o == oid {
			encoderOrder = append(encoderOrder[:i], encoderOrder[i+1:]...)
			break
		}
	}
	return nil
}

func EncoderCount() int {
	return len(encoderOrder)
}

// StartEncoder re-synchronizes the sensor baseline and schedules sampling.
// Starting a running channel only resynchronizes it.
func StartEncoder(oid uint8) error {
	ch, ok := encoders[oid]
	if !ok {
		return ErrUnknownEncoder
	}
	if err := ch.Sensor.Init(); err != nil {
		return err
	}

	now := GetTime()
	ch.timer.WakeTime = now + ch.sampleTicks
	ch.nextReport = now + ch.reportTicks
	ch.running = true
	ScheduleTimer(&ch.timer)

	RecordTiming(EvtEncoderStart, oid, now, TimerToUS(ch.reportTicks), 0)
	return nil
}

// StopEncoder cancels sampling. Reports already pending are still sent.
func StopEncoder(oid uint8) error {
	ch, ok := encoders[oid]
	if !ok {
		return ErrUnknownEncoder
	}
	CancelTimer(&ch.timer)
	ch.running = false

	RecordTiming(EvtEncoderStop, oid, GetTime(), ch.samples, 0)
	return nil
}

// ResetEncoder zeroes the counter and re-synchronizes the sensor
func ResetEncoder(oid uint8) error {
	ch, ok := encoders[oid]
	if !ok {
		return ErrUnknownEncoder
	}
	if ch.counter != nil {
		if err := ch.counter.Clear(); err != nil {
			return err
		}
	}
	if err := ch.Sensor.Init(); err != nil {
		return err
	}

	ch.lastFallbacks = 0
	if r, ok := ch.Sensor.(countReporter); ok {
		ch.lastFallbacks = r.FallbackSamples()
	}
	RecordTiming(EvtEncoderReset, oid, GetTime(), 0, 0)
	return nil
}

// SetReportInterval sets the state report period of every channel.
// Zero stops reporting; sampling continues.
func SetReportInterval(us uint32) {
	ticks := TimerFromUS(us)
	now := GetTime()
	for _, ch := range encoders {
		if ticks != 0 && ticks < ch.sampleTicks {
			ch.reportTicks = ch.sampleTicks
		} else {
			ch.reportTicks = ticks
		}
		ch.nextReport = now + ch.reportTicks
	}
}

// Running reports whether the channel is sampling
func (ch *EncoderChannel) Running() bool {
	return ch.running
}

// Samples returns the number of Update calls since registration
func (ch *EncoderChannel) Samples() uint32 {
	return ch.samples
}

// ReportInterval returns the report period in microseconds
func (ch *EncoderChannel) ReportInterval() uint32 {
	return TimerToUS(ch.reportTicks)
}

// sample is the timer handler. It updates the sensor and only marks a
// report pending; messages are built by EncoderTask.
func (ch *EncoderChannel) sample(t *Timer) uint8 {
	ch.Sensor.Update()
	ch.samples++

	if ch.reportTicks != 0 && !timerBefore(currentTime, ch.nextReport) {
		ch.nextReport += ch.reportTicks
		if !timerBefore(currentTime, ch.nextReport) {
			ch.nextReport = currentTime + ch.reportTicks
		}
		ch.reportClock = currentTime
		atomic.StoreUint32(&ch.reportPending, 1)
		atomic.StoreUint32(&encoderWake, 1)
	}

	t.WakeTime += ch.sampleTicks
	if !timerBefore(currentTime, t.WakeTime) {
		RecordTiming(EvtTimerPast, ch.OID, currentTime, currentTime-t.WakeTime, 0)
		t.WakeTime = currentTime + ch.sampleTicks
	}
	return SF_RESCHEDULE
}

// State builds an encoder_state message from the last sample
func (ch *EncoderChannel) State(clock uint32) protocol.EncoderState {
	st := protocol.EncoderState{
		OID:      ch.OID,
		Clock:    clock,
		Angle:    float32(ch.Sensor.SensorAngle()),
		Velocity: float32(ch.Sensor.Velocity()),
	}
	if rt, ok := ch.Sensor.(sensor.RotationTracker); ok {
		st.Rotations = rt.FullRotations()
	}
	if r, ok := ch.Sensor.(countReporter); ok {
		st.Count = r.Count()
		st.Fallbacks = r.FallbackSamples()
	}
	return st
}

// HandleCounterEvent is installed as the pcnt event handler of every unit;
// the unit id is the encoder oid. It may run in interrupt context.
func HandleCounterEvent(id pcnt.UnitID, ev pcnt.Event) {
	ch, ok := encoders[uint8(id)]
	if !ok || ev == 0 || ev > 31 {
		return
	}
	for {
		old := atomic.LoadUint32(&ch.eventPending)
		if atomic.CompareAndSwapUint32(&ch.eventPending, old, old|1<<uint(ev)) {
			break
		}
	}
	atomic.StoreUint32(&encoderWake, 1)
}

// EncoderTask sends pending counter events and state reports. Call it
// from the main loop after ProcessTimers.
func EncoderTask() {
	if atomic.SwapUint32(&encoderWake, 0) == 0 {
		return
	}

	for _, oid := range encoderOrder {
		ch := encoders[oid]

		if evs := atomic.SwapUint32(&ch.eventPending, 0); evs != 0 {
			for _, ev := range []pcnt.Event{pcnt.EventHighLimit, pcnt.EventLowLimit} {
				if evs&(1<<uint(ev)) == 0 {
					continue
				}
				RecordTiming(EvtCounterLimit, oid, GetTime(), uint32(ev), 0)
				SendMessage(protocol.CounterEvent{OID: oid, Event: uint8(ev)})
			}
		}

		if atomic.SwapUint32(&ch.reportPending, 0) != 0 {
			st := ch.State(ch.reportClock)
			if st.Fallbacks != ch.lastFallbacks {
				RecordTiming(EvtFallback, oid, ch.reportClock, st.Fallbacks, st.Fallbacks-ch.lastFallbacks)
				DebugAsync("[ENC] oid=" + itoa(int(oid)) + " fallback samples=" + utoa(st.Fallbacks))
				ch.lastFallbacks = st.Fallbacks
			}
			SendMessage(st)
		}
	}
}

// ResetEncoders stops and forgets every channel
func ResetEncoders() {
	for _, ch := range encoders {
		CancelTimer(&ch.timer)
	}
	encoders = make(map[uint8]*EncoderChannel)
	encoderOrder = nil
	atomic.StoreUint32(&encoderWake, 0)
}
