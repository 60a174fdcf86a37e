package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"quadenc/protocol"
)

// fakeLink records commands and serves telemetry from a pipe
type fakeLink struct {
	r       io.Reader
	written bytes.Buffer
}

func (l *fakeLink) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *fakeLink) Write(p []byte) (int, error) { return l.written.Write(p) }

func frames(t *testing.T, msgs ...protocol.Message) []byte {
	t.Helper()
	var enc protocol.Encoder
	var out []byte
	for _, m := range msgs {
		var err error
		out, err = enc.AppendFrame(out, m)
		if err != nil {
			t.Fatalf("AppendFrame failed: %v", err)
		}
	}
	return out
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestFeedBuildsStateTable(t *testing.T) {
	m := New(nil, Options{Labels: map[uint8]string{1: "spindle"}, Now: fixedNow})

	m.Feed(frames(t,
		protocol.EncoderInfo{OID: 1, PPR: 600, PinA: 14, PinB: 15, Backend: "pio"},
		protocol.EncoderState{OID: 1, Clock: 1000, Count: 2400, Rotations: 1, Angle: 6.28, Velocity: 2 * math.Pi, Fallbacks: 2},
		protocol.EncoderState{OID: 0, Count: -5},
	))

	states := m.Snapshot()
	if len(states) != 2 {
		t.Fatalf("Expected 2 encoders, got %d", len(states))
	}
	if states[0].OID != 0 || states[1].OID != 1 {
		t.Errorf("Expected snapshot ordered by oid, got %d, %d", states[0].OID, states[1].OID)
	}

	st, ok := m.Get(1)
	if !ok {
		t.Fatal("Expected encoder 1 to be known")
	}
	if st.Label != "spindle" {
		t.Errorf("Expected label spindle, got %q", st.Label)
	}
	if !st.HasInfo || st.Info.PPR != 600 || st.Info.Backend != "pio" {
		t.Errorf("Expected encoder info to be stored, got %+v", st.Info)
	}
	if st.Count != 2400 || st.Rotations != 1 || st.Fallbacks != 2 {
		t.Errorf("Unexpected state %+v", st.EncoderState)
	}
	if st.Reports != 1 || !st.Received.Equal(fixedNow()) {
		t.Errorf("Expected 1 report at %v, got %d at %v", fixedNow(), st.Reports, st.Received)
	}
	if rpm := st.RPM(); math.Abs(rpm-60) > 1e-4 {
		t.Errorf("Expected 60 rpm, got %f", rpm)
	}
}

func TestFeedSplitAcrossWrites(t *testing.T) {
	m := New(nil, Options{})
	data := frames(t, protocol.EncoderState{OID: 3, Count: 42})

	for i := range data {
		m.Feed(data[i : i+1])
	}

	st, ok := m.Get(3)
	if !ok || st.Count != 42 {
		t.Errorf("Expected count 42 for oid 3, got %+v (known=%v)", st.EncoderState, ok)
	}
}

func TestFeedLargeRead(t *testing.T) {
	m := New(nil, Options{})

	var msgs []protocol.Message
	for i := 0; i < 40; i++ {
		msgs = append(msgs, protocol.EncoderState{OID: 0, Count: int64(i)})
	}
	m.Feed(frames(t, msgs...))

	st, _ := m.Get(0)
	if st.Reports != 40 {
		t.Errorf("Expected 40 reports, got %d", st.Reports)
	}
	if st.Count != 39 {
		t.Errorf("Expected last count 39, got %d", st.Count)
	}
	if s := m.Stats(); s.Link.Dropped != 0 || s.Link.Frames != 40 {
		t.Errorf("Expected 40 frames and no drops, got %+v", s.Link)
	}
}

func TestCounterEvents(t *testing.T) {
	m := New(nil, Options{})
	m.Feed(frames(t,
		protocol.CounterEvent{OID: 2, Event: 1},
		protocol.CounterEvent{OID: 2, Event: 1},
		protocol.CounterEvent{OID: 2, Event: 2},
	))

	st, _ := m.Get(2)
	if st.HighLimitEvents != 2 || st.LowLimitEvents != 1 {
		t.Errorf("Expected 2 high and 1 low events, got %d and %d", st.HighLimitEvents, st.LowLimitEvents)
	}
}

func TestBadPayloadCounted(t *testing.T) {
	m := New(nil, Options{})

	var enc protocol.Encoder
	out := protocol.NewScratchOutput()
	err := enc.EncodeFrame(out, func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 99)
	})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	m.Feed(out.Result())

	if s := m.Stats(); s.DecodeErrors != 1 {
		t.Errorf("Expected 1 decode error, got %d", s.DecodeErrors)
	}
}

func TestSubscribe(t *testing.T) {
	m := New(nil, Options{})
	ch, cancel := m.Subscribe(4)

	m.Feed(frames(t, protocol.EncoderState{OID: 1, Count: 7}))

	select {
	case up := <-ch:
		if up.Kind != KindState || up.State.Count != 7 {
			t.Errorf("Unexpected update %+v", up)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after cancel")
	}

	// Publishing after unsubscribe must not panic
	m.Feed(frames(t, protocol.EncoderState{OID: 1, Count: 8}))
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	m := New(nil, Options{})
	_, cancel := m.Subscribe(1)
	defer cancel()

	m.Feed(frames(t,
		protocol.EncoderState{OID: 1},
		protocol.EncoderState{OID: 1},
		protocol.EncoderState{OID: 1},
	))

	if s := m.Stats(); s.Dropped != 2 {
		t.Errorf("Expected 2 dropped updates, got %d", s.Dropped)
	}
}

func TestCommands(t *testing.T) {
	link := &fakeLink{r: bytes.NewReader(nil)}
	m := New(link, Options{})

	if err := m.Identify(); err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if err := m.Query(20 * time.Millisecond); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if err := m.Reset(1); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := m.Stop(2); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	dec := protocol.NewDecoder()
	dec.Write(link.written.Bytes())

	var got []protocol.Message
	for {
		f, ok := dec.Next()
		if !ok {
			break
		}
		msgs, err := protocol.DecodeMessages(f.Payload)
		if err != nil {
			t.Fatalf("DecodeMessages failed: %v", err)
		}
		got = append(got, msgs...)
	}

	want := []protocol.Message{
		protocol.Identify{},
		protocol.QueryEncoders{IntervalUS: 20000},
		protocol.ResetEncoder{OID: 1},
		protocol.StopEncoder{OID: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d commands, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Command %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestQueryRejectsNegativeInterval(t *testing.T) {
	m := New(&fakeLink{r: bytes.NewReader(nil)}, Options{})
	if err := m.Query(-time.Second); err == nil {
		t.Error("Expected error for negative interval")
	}
}

func TestCommandsWithoutLink(t *testing.T) {
	m := New(nil, Options{})
	if err := m.Identify(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestRunReadsUntilEOF(t *testing.T) {
	pr, pw := io.Pipe()
	m := New(&fakeLink{r: pr}, Options{})

	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background())
	}()

	pw.Write(frames(t, protocol.EncoderState{OID: 5, Count: 123}))
	pw.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	st, ok := m.Get(5)
	if !ok || st.Count != 123 {
		t.Errorf("Expected count 123, got %+v", st.EncoderState)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	m := New(&fakeLink{r: pr}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	cancel()
	// Unblock the pending read the way the host tool does, by closing the port
	pr.CloseWithError(errors.New("closed"))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil after cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}
