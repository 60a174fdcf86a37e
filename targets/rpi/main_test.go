//go:build linux && !tinygo

package main

import (
	"errors"
	"io"
	"testing"

	"quadenc/config"
	"quadenc/core"
	"quadenc/pcnt"
)

type fakeWatcher struct {
	closed bool
}

func (w *fakeWatcher) Close() error {
	w.closed = true
	return nil
}

// withWatcher replaces the GPIO watcher for one test
func withWatcher(t *testing.T, fn func(soft *pcnt.Soft, a, b pcnt.Pin) (io.Closer, error)) {
	t.Helper()
	orig := watchPins
	watchPins = fn
	core.ResetEncoders()
	t.Cleanup(func() {
		watchPins = orig
		core.ResetEncoders()
	})
}

func softEntry(oid uint8) config.EncoderConfig {
	return config.EncoderConfig{
		OID: oid, Name: "spindle", PinA: "gpio14", PinB: "gpio15",
		PPR: 600, Backend: config.BackendSoft, FilterAlpha: 0.3,
	}
}

func TestLabels(t *testing.T) {
	board := &config.BoardConfig{Encoders: []config.EncoderConfig{
		{OID: 0, Name: "spindle"},
		{OID: 3, Name: "handwheel"},
	}}

	got := labels(board)
	if len(got) != 2 {
		t.Fatalf("Expected 2 labels, got %d", len(got))
	}
	if got[3] != "handwheel" {
		t.Errorf("Expected handwheel for oid 3, got %q", got[3])
	}
}

func TestLoadBoardDefaultIsSoft(t *testing.T) {
	board, err := loadBoard()
	if err != nil {
		t.Fatalf("loadBoard failed: %v", err)
	}
	if board.Board != "rpi" {
		t.Errorf("Expected board rpi, got %q", board.Board)
	}
	for _, enc := range board.Encoders {
		if enc.Backend != config.BackendSoft {
			t.Errorf("Expected soft backend for %s, got %s", enc.Name, enc.Backend)
		}
	}
}

func TestMonotonicClockAdvances(t *testing.T) {
	c := newMonotonicClock()
	a := c.Micros()
	for c.Micros() == a {
	}
	if b := c.Micros(); b-a > 1_000_000 {
		t.Errorf("Expected a small step, got %d us", b-a)
	}
}

func TestSetupEncoderWatchFailureLeavesNothing(t *testing.T) {
	withWatcher(t, func(*pcnt.Soft, pcnt.Pin, pcnt.Pin) (io.Closer, error) {
		return nil, errors.New("open gpio15: busy")
	})
	board := config.DefaultBoardConfig()

	w, err := setupEncoder(softEntry(0), board, newMonotonicClock())
	if err == nil {
		t.Fatal("Expected setupEncoder to fail")
	}
	if w != nil {
		t.Error("Expected no watcher on error")
	}
	if core.GetEncoder(0) != nil || core.EncoderCount() != 0 {
		t.Errorf("Expected no registered encoder, got %d", core.EncoderCount())
	}
}

func TestSetupEncoderRegisterFailureClosesWatcher(t *testing.T) {
	var watchers []*fakeWatcher
	withWatcher(t, func(*pcnt.Soft, pcnt.Pin, pcnt.Pin) (io.Closer, error) {
		w := &fakeWatcher{}
		watchers = append(watchers, w)
		return w, nil
	})
	board := config.DefaultBoardConfig()
	clock := newMonotonicClock()

	if _, err := setupEncoder(softEntry(2), board, clock); err != nil {
		t.Fatalf("setupEncoder failed: %v", err)
	}
	if ch := core.GetEncoder(2); ch == nil || !ch.Running() {
		t.Fatal("Expected oid 2 to be registered and running")
	}

	// Same oid again: registration fails after the pins are watched
	if _, err := setupEncoder(softEntry(2), board, clock); err != core.ErrDuplicateEncoder {
		t.Fatalf("Expected ErrDuplicateEncoder, got %v", err)
	}
	if len(watchers) != 2 {
		t.Fatalf("Expected 2 watchers, got %d", len(watchers))
	}
	if watchers[0].closed {
		t.Error("Expected the first watcher to stay open")
	}
	if !watchers[1].closed {
		t.Error("Expected the second watcher to be closed")
	}
	if core.EncoderCount() != 1 {
		t.Errorf("Expected 1 encoder, got %d", core.EncoderCount())
	}
}
