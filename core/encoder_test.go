package core

import (
	"errors"
	"math"
	"testing"

	"quadenc/config"
	"quadenc/encoder"
	"quadenc/pcnt"
	"quadenc/protocol"
)

type capturedTelemetry struct {
	decoder *protocol.Decoder
}

func captureTelemetry() *capturedTelemetry {
	c := &capturedTelemetry{decoder: protocol.NewDecoder()}
	SetTelemetryWriter(func(frame []byte) {
		c.decoder.Write(frame)
	})
	return c
}

func (c *capturedTelemetry) messages(t *testing.T) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		f, ok := c.decoder.Next()
		if !ok {
			return msgs
		}
		m, err := protocol.DecodeMessages(f.Payload)
		if err != nil {
			t.Fatalf("Bad telemetry payload: %v", err)
		}
		msgs = append(msgs, m...)
	}
}

func resetEncoderTest() {
	resetTimers()
	ResetEncoders()
	ClearTimingRing()
	SetTelemetryWriter(nil)
	globalRegistry = NewCommandRegistry()
	InitEncoderCommands()
	SetTime(0)
}

func newSoftEncoder(t *testing.T, oid uint8, ppr int) (*pcnt.Soft, *EncoderChannel) {
	t.Helper()
	soft := pcnt.NewSoft(pcnt.UnitID(oid), GetTime)
	q, err := encoder.New(soft, SystemClock{}, encoder.Config{PinA: 2, PinB: 3, PPR: ppr})
	if err != nil {
		t.Fatalf("encoder.New failed: %v", err)
	}
	ch, err := RegisterEncoder(oid, q, soft, EncoderConfig{
		Name:        "spindle",
		PPR:         uint32(ppr),
		PinA:        2,
		PinB:        3,
		Backend:     "soft",
		SampleTicks: 1000,
	})
	if err != nil {
		t.Fatalf("RegisterEncoder failed: %v", err)
	}
	return soft, ch
}

func command(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	output := protocol.NewScratchOutput()
	for _, m := range msgs {
		protocol.EncodeMessage(output, m)
	}
	if err := HandleFrame(output.Result()); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
}

// runFor advances time in sample steps, adding counts per step
func runFor(soft *pcnt.Soft, from, to uint32, countsPerStep int64) {
	for now := from + 1000; now <= to; now += 1000 {
		soft.Add(countsPerStep)
		dispatchAt(now)
		EncoderTask()
	}
}

func hasEvent(eventType uint8) bool {
	for _, evt := range TimingEvents() {
		if evt.EventType == eventType {
			return true
		}
	}
	return false
}

func TestRegisterEncoderErrors(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	soft := pcnt.NewSoft(0, GetTime)
	q, _ := encoder.New(soft, SystemClock{}, encoder.Config{PinA: 2, PinB: 3, PPR: 100})

	if _, err := RegisterEncoder(0, nil, soft, EncoderConfig{SampleTicks: 1000}); err != ErrNilSensor {
		t.Errorf("Expected ErrNilSensor, got %v", err)
	}
	if _, err := RegisterEncoder(0, q, soft, EncoderConfig{}); err != ErrZeroSamplePeriod {
		t.Errorf("Expected ErrZeroSamplePeriod, got %v", err)
	}
	if _, err := RegisterEncoder(0, q, soft, EncoderConfig{SampleTicks: 1000}); err != nil {
		t.Fatalf("RegisterEncoder failed: %v", err)
	}
	if _, err := RegisterEncoder(0, q, soft, EncoderConfig{SampleTicks: 1000}); err != ErrDuplicateEncoder {
		t.Errorf("Expected ErrDuplicateEncoder, got %v", err)
	}
	if !soft.Running() {
		t.Error("Expected counter resumed by registration")
	}
	if !hasEvent(EvtEncoderConfig) {
		t.Error("Expected ENC_CONFIG in timing ring")
	}
}

func TestIdentify(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	newSoftEncoder(t, 4, 500)
	newSoftEncoder(t, 2, 100)

	command(t, protocol.Identify{})

	msgs := tel.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 encoder_info messages, got %d", len(msgs))
	}
	info := msgs[0].(protocol.EncoderInfo)
	expected := protocol.EncoderInfo{OID: 4, PPR: 500, PinA: 2, PinB: 3, Backend: "soft"}
	if info != expected {
		t.Errorf("Expected %+v, got %+v", expected, info)
	}
	if msgs[1].(protocol.EncoderInfo).OID != 2 {
		t.Errorf("Expected registration order, got %+v", msgs[1])
	}
}

func TestSamplingAndReports(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	soft, ch := newSoftEncoder(t, 1, 500)
	command(t, protocol.QueryEncoders{IntervalUS: 10000})

	if !ch.Running() {
		t.Fatal("Expected query_encoders to start sampling")
	}
	if ch.ReportInterval() != 10000 {
		t.Errorf("Expected report interval 10000, got %d", ch.ReportInterval())
	}

	runFor(soft, 0, 10000, 50)

	if ch.Samples() != 10 {
		t.Errorf("Expected 10 samples, got %d", ch.Samples())
	}

	msgs := tel.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 report after 10 ms, got %d", len(msgs))
	}
	st := msgs[0].(protocol.EncoderState)
	if st.OID != 1 || st.Clock != 10000 || st.Count != 500 || st.Rotations != 0 {
		t.Errorf("Unexpected state %+v", st)
	}
	if math.Abs(float64(st.Angle)-math.Pi/2) > 1e-6 {
		t.Errorf("Expected angle π/2, got %v", st.Angle)
	}

	target := 2 * math.Pi * 50 / (0.001 * 2000)
	velocity := (1 - math.Pow(0.7, 10)) * target
	if math.Abs(float64(st.Velocity)-velocity) > 1e-3 {
		t.Errorf("Expected velocity %v, got %v", velocity, st.Velocity)
	}
	if st.Fallbacks != 0 {
		t.Errorf("Expected no fallback samples, got %d", st.Fallbacks)
	}

	runFor(soft, 10000, 30000, 50)
	if n := len(tel.messages(t)); n != 2 {
		t.Errorf("Expected 2 more reports, got %d", n)
	}
}

func TestReportIntervalZeroKeepsSampling(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	soft, ch := newSoftEncoder(t, 1, 500)
	command(t, protocol.QueryEncoders{IntervalUS: 5000})
	runFor(soft, 0, 5000, 10)
	tel.messages(t)

	command(t, protocol.QueryEncoders{IntervalUS: 0})
	runFor(soft, 5000, 20000, 10)

	if n := len(tel.messages(t)); n != 0 {
		t.Errorf("Expected no reports with interval 0, got %d", n)
	}
	if ch.Samples() != 20 {
		t.Errorf("Expected sampling to continue, got %d samples", ch.Samples())
	}
}

func TestReportIntervalClampedToSamplePeriod(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	_, ch := newSoftEncoder(t, 1, 500)
	SetReportInterval(200)
	if ch.ReportInterval() != 1000 {
		t.Errorf("Expected report interval clamped to 1000, got %d", ch.ReportInterval())
	}
}

func TestResetEncoderCommand(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	soft, _ := newSoftEncoder(t, 1, 500)
	command(t, protocol.QueryEncoders{IntervalUS: 2000})
	runFor(soft, 0, 4000, 300)
	tel.messages(t)

	command(t, protocol.ResetEncoder{OID: 1})
	if soft.ReadCounter() != 0 {
		t.Errorf("Expected counter cleared, got %d", soft.ReadCounter())
	}
	if !hasEvent(EvtEncoderReset) {
		t.Error("Expected ENC_RESET in timing ring")
	}

	runFor(soft, 4000, 6000, 0)
	msgs := tel.messages(t)
	if len(msgs) == 0 {
		t.Fatal("Expected a report after reset")
	}
	st := msgs[len(msgs)-1].(protocol.EncoderState)
	if st.Count != 0 || st.Angle != 0 {
		t.Errorf("Expected zero count and angle after reset, got %+v", st)
	}
	if st.Velocity != 0 {
		t.Errorf("Expected no velocity spike after reset, got %v", st.Velocity)
	}
}

func TestStopEncoderCommand(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	soft, ch := newSoftEncoder(t, 1, 500)
	command(t, protocol.QueryEncoders{IntervalUS: 2000})
	runFor(soft, 0, 3000, 1)

	command(t, protocol.StopEncoder{OID: 1})
	if ch.Running() {
		t.Error("Expected channel stopped")
	}
	if PendingTimers() != 0 {
		t.Errorf("Expected no queued timers, got %d", PendingTimers())
	}

	runFor(soft, 3000, 10000, 1)
	if ch.Samples() != 3 {
		t.Errorf("Expected sampling to stop at 3, got %d", ch.Samples())
	}
}

func TestUnknownEncoderOID(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	output := protocol.NewScratchOutput()
	protocol.EncodeMessage(output, protocol.StopEncoder{OID: 9})
	if err := HandleFrame(output.Result()); err != ErrUnknownEncoder {
		t.Errorf("Expected ErrUnknownEncoder, got %v", err)
	}
	if !hasEvent(EvtCommandError) {
		t.Error("Expected CMD_ERROR in timing ring")
	}
}

func TestUnknownCommand(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	payload := []byte{protocol.MsgEncoderState}
	if err := HandleFrame(payload); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestCounterEventReported(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	newSoftEncoder(t, 3, 500)

	HandleCounterEvent(3, pcnt.EventHighLimit)
	HandleCounterEvent(3, pcnt.EventHighLimit)
	HandleCounterEvent(3, pcnt.EventLowLimit)
	HandleCounterEvent(8, pcnt.EventLowLimit)
	EncoderTask()

	msgs := tel.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 counter events, got %d", len(msgs))
	}
	first := msgs[0].(protocol.CounterEvent)
	second := msgs[1].(protocol.CounterEvent)
	if first.OID != 3 || first.Event != uint8(pcnt.EventHighLimit) || second.Event != uint8(pcnt.EventLowLimit) {
		t.Errorf("Unexpected events %+v %+v", first, second)
	}
	if !hasEvent(EvtCounterLimit) {
		t.Error("Expected LIMIT in timing ring")
	}
}

func TestStalledSamplerUsesFallback(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	soft, ch := newSoftEncoder(t, 1, 500)
	command(t, protocol.QueryEncoders{IntervalUS: 1000})

	// Main loop stalls for 0.6 s
	soft.Add(20)
	dispatchAt(600000)
	EncoderTask()

	msgs := tel.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(msgs))
	}
	st := msgs[0].(protocol.EncoderState)
	if st.Fallbacks != 1 {
		t.Errorf("Expected 1 fallback sample, got %d", st.Fallbacks)
	}
	if math.IsInf(float64(st.Velocity), 0) || math.IsNaN(float64(st.Velocity)) {
		t.Errorf("Velocity not finite: %v", st.Velocity)
	}
	if ch.Samples() != 1 {
		t.Errorf("Expected one catch-up sample, got %d", ch.Samples())
	}
	if !hasEvent(EvtTimerPast) || !hasEvent(EvtFallback) {
		t.Errorf("Expected TIMER_PAST and FALLBACK, got %+v", TimingEvents())
	}
}

func TestSendMessageWithoutWriter(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	before := TelemetryDropped()
	if err := SendMessage(protocol.Identify{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if TelemetryDropped() != before+1 {
		t.Error("Expected dropped frame to be counted")
	}
}

func TestUnregisterEncoder(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()

	newSoftEncoder(t, 1, 100)
	newSoftEncoder(t, 2, 100)
	if err := StartEncoder(1); err != nil {
		t.Fatalf("StartEncoder failed: %v", err)
	}

	if err := UnregisterEncoder(1); err != nil {
		t.Fatalf("UnregisterEncoder failed: %v", err)
	}
	if GetEncoder(1) != nil {
		t.Error("Expected oid 1 to be gone")
	}
	if EncoderCount() != 1 || Encoders()[0].OID != 2 {
		t.Errorf("Expected only oid 2 left, got %d channels", EncoderCount())
	}
	if PendingTimers() != 0 {
		t.Errorf("Expected the sampling timer to be cancelled, got %d pending", PendingTimers())
	}
	if err := UnregisterEncoder(1); err != ErrUnknownEncoder {
		t.Errorf("Expected ErrUnknownEncoder, got %v", err)
	}

	// The oid can be registered again
	newSoftEncoder(t, 1, 100)
}

func TestCounterLimitFromBoardConfig(t *testing.T) {
	resetEncoderTest()
	defer resetEncoderTest()
	tel := captureTelemetry()

	board, err := config.Load([]byte(`{
		"encoders": [
			{"oid": 4, "pin_a": "2", "pin_b": "3", "ppr": 100, "backend": "soft",
			 "high_limit": 32767, "low_limit": -32768}
		]
	}`))
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	enc := board.Encoders[0]
	pinA, pinB := enc.Pins()

	soft := pcnt.NewSoft(pcnt.UnitID(enc.OID), GetTime)
	soft.SetEventHandler(HandleCounterEvent)
	q, err := encoder.New(soft, SystemClock{}, encoder.Config{
		PinA:      pinA,
		PinB:      pinB,
		PPR:       enc.PPR,
		HighLimit: enc.HighLimit,
		LowLimit:  enc.LowLimit,
	})
	if err != nil {
		t.Fatalf("encoder.New failed: %v", err)
	}
	if _, err := RegisterEncoder(enc.OID, q, soft, EncoderConfig{SampleTicks: 1000}); err != nil {
		t.Fatalf("RegisterEncoder failed: %v", err)
	}

	soft.Add(40000)
	if soft.ReadCounter() != 0 {
		t.Errorf("Expected count folded to 0, got %d", soft.ReadCounter())
	}
	soft.Add(-40000)
	EncoderTask()

	var events []protocol.CounterEvent
	for _, m := range tel.messages(t) {
		if ev, ok := m.(protocol.CounterEvent); ok {
			events = append(events, ev)
		}
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 counter events, got %d", len(events))
	}
	if events[0].OID != 4 || pcnt.Event(events[0].Event) != pcnt.EventHighLimit {
		t.Errorf("Expected high_limit for oid 4, got %+v", events[0])
	}
	if pcnt.Event(events[1].Event) != pcnt.EventLowLimit {
		t.Errorf("Expected low_limit, got %+v", events[1])
	}
	if !hasEvent(EvtCounterLimit) {
		t.Error("Expected counter limit in the timing ring")
	}
}
