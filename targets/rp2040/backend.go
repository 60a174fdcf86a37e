//go:build rp2040

package main

import (
	"machine"

	"quadenc/config"
	"quadenc/core"
	"quadenc/encoder"
	"quadenc/pcnt"
)

// newCounter builds the pulse counter for one encoder entry. release frees
// the state machine or pin interrupts it holds when setup fails later.
func newCounter(enc config.EncoderConfig) (pcnt.Unit, func(), error) {
	id := pcnt.UnitID(enc.OID)
	switch enc.Backend {
	case config.BackendPIO:
		u, err := NewPIOUnit(id)
		if err != nil {
			return nil, nil, err
		}
		return u, u.Close, nil
	case config.BackendIRQ:
		u := NewIRQUnit(id)
		return u, u.Close, nil
	default:
		return newSoftUnit(id, enc)
	}
}

func clearInterrupts(pins ...machine.Pin) {
	for _, p := range pins {
		p.SetInterrupt(0, nil)
	}
}

// newSoftUnit feeds a software decoder from pin-change interrupts. Unlike
// the irq backend it honors glitch_filter_us.
func newSoftUnit(id pcnt.UnitID, enc config.EncoderConfig) (pcnt.Unit, func(), error) {
	a, b := enc.Pins()
	pinA, pinB := machine.Pin(a), machine.Pin(b)
	pinA.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	pinB.Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	s := pcnt.NewSoft(id, GetHardwareTime)
	s.SetState(pinA.Get(), pinB.Get())

	edge := func(machine.Pin) {
		s.Input(pinA.Get(), pinB.Get())
	}
	release := func() { clearInterrupts(pinA, pinB) }
	if err := pinA.SetInterrupt(machine.PinToggle, edge); err != nil {
		return nil, nil, err
	}
	if err := pinB.SetInterrupt(machine.PinToggle, edge); err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

// setupEncoders registers one channel per board entry. A failing entry is
// reported and skipped so the others still run.
func setupEncoders(board *config.BoardConfig) {
	sampleTicks := core.TimerFromUS(board.SampleUS())

	for _, enc := range board.Encoders {
		if err := setupEncoder(enc, sampleTicks); err != nil {
			core.DebugPrintln("[ENC] " + enc.Name + ": " + err.Error())
			continue
		}
	}
	core.SetReportInterval(board.ReportUS())
}

func setupEncoder(enc config.EncoderConfig, sampleTicks uint32) (err error) {
	unit, release, err := newCounter(enc)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()
	unit.SetEventHandler(core.HandleCounterEvent)

	pinA, pinB := enc.Pins()
	q, err := encoder.New(unit, hardwareClock{}, encoder.Config{
		PinA:           pinA,
		PinB:           pinB,
		PPR:            enc.PPR,
		FilterAlpha:    enc.FilterAlpha,
		Invert:         enc.Invert,
		GlitchFilterUS: enc.GlitchFilterUS,
		HighLimit:      enc.HighLimit,
		LowLimit:       enc.LowLimit,
	})
	if err != nil {
		return err
	}

	_, err = core.RegisterEncoder(enc.OID, q, unit, core.EncoderConfig{
		Name:        enc.Name,
		PPR:         uint32(enc.PPR),
		PinA:        uint8(pinA),
		PinB:        uint8(pinB),
		Backend:     enc.Backend,
		SampleTicks: sampleTicks,
	})
	return err
}
