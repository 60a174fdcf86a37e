package main

import (
	"bytes"
	"strings"
	"testing"

	"quadenc/host/monitor"
	"quadenc/protocol"
)

// captureLink records the frames the console sends
type captureLink struct {
	bytes.Buffer
}

func (l *captureLink) Read(p []byte) (int, error) { return 0, nil }

func sentMessages(t *testing.T, b []byte) []protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder()
	dec.Write(b)
	var msgs []protocol.Message
	for {
		f, ok := dec.Next()
		if !ok {
			return msgs
		}
		m, err := protocol.DecodeMessages(f.Payload)
		if err != nil {
			t.Fatalf("DecodeMessages failed: %v", err)
		}
		msgs = append(msgs, m...)
	}
}

func TestExecCommandSendsCommands(t *testing.T) {
	link := &captureLink{}
	mon := monitor.New(link, monitor.Options{})
	var out bytes.Buffer

	for _, line := range []string{"identify", "query 50", "reset 2", "stop 1"} {
		if !execCommand(&out, mon, strings.Fields(line)) {
			t.Fatalf("%q should not quit", line)
		}
	}

	got := sentMessages(t, link.Bytes())
	want := []protocol.Message{
		protocol.Identify{},
		protocol.QueryEncoders{IntervalUS: 50000},
		protocol.ResetEncoder{OID: 2},
		protocol.StopEncoder{OID: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Message %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if strings.Contains(out.String(), "Error") {
		t.Errorf("Unexpected error output: %s", out.String())
	}
}

func TestExecCommandErrors(t *testing.T) {
	mon := monitor.New(&captureLink{}, monitor.Options{})
	var out bytes.Buffer

	execCommand(&out, mon, []string{"reset"})
	execCommand(&out, mon, []string{"stop", "300"})
	execCommand(&out, mon, []string{"query", "fast"})
	execCommand(&out, mon, []string{"bogus"})

	text := out.String()
	if strings.Count(text, "Error") != 3 {
		t.Errorf("Expected 3 errors, got output:\n%s", text)
	}
	if !strings.Contains(text, "Unknown command: bogus") {
		t.Errorf("Expected unknown command message, got:\n%s", text)
	}
}

func TestExecCommandQuit(t *testing.T) {
	mon := monitor.New(nil, monitor.Options{})
	if execCommand(&bytes.Buffer{}, mon, []string{"quit"}) {
		t.Error("Expected quit to return false")
	}
}

func TestPrintStates(t *testing.T) {
	var out bytes.Buffer
	printStates(&out, nil)
	if !strings.Contains(out.String(), "No encoders") {
		t.Errorf("Expected empty message, got %q", out.String())
	}

	out.Reset()
	st := monitor.State{Label: "spindle"}
	st.OID = 0
	st.Count = 2400
	st.Info.PPR = 600
	printStates(&out, []monitor.State{st})
	if !strings.Contains(out.String(), "spindle") || !strings.Contains(out.String(), "2400") {
		t.Errorf("Expected state row, got:\n%s", out.String())
	}
}
