//go:build rp2040

package main

import (
	"machine"

	"tinygo.org/x/drivers/encoders"

	"quadenc/pcnt"
)

// IRQUnit counts quadrature edges with GPIO pin-change interrupts through
// the drivers encoder. Any pin pair works, at the cost of one interrupt
// per edge.
type IRQUnit struct {
	id       pcnt.UnitID
	dev      *encoders.QuadratureDevice
	ext      *pcnt.Extender
	cfg      pcnt.Config
	paused   bool
	pausedAt int64
	ready    bool
}

func NewIRQUnit(id pcnt.UnitID) *IRQUnit {
	return &IRQUnit{id: id, ext: pcnt.NewExtender(id, 0)}
}

func (u *IRQUnit) ID() pcnt.UnitID {
	return u.id
}

// Configure installs the pin interrupts. The device counts every edge
// (precision 1), which is x4 decoding.
func (u *IRQUnit) Configure(cfg pcnt.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	u.cfg = cfg
	if u.dev == nil {
		u.dev = encoders.NewQuadratureViaInterrupt(machine.Pin(cfg.PinA), machine.Pin(cfg.PinB))
		if err := u.dev.Configure(encoders.QuadratureConfig{Precision: 1}); err != nil {
			return err
		}
	}
	u.dev.SetPosition(0)

	u.ext.Configure(cfg)
	u.ext.Reset(0)
	u.paused = true
	u.pausedAt = 0
	u.ready = true
	return nil
}

func (u *IRQUnit) raw() uint32 {
	return uint32(int32(u.dev.Position()))
}

func (u *IRQUnit) ReadCounter() int64 {
	if !u.ready {
		return 0
	}
	if u.paused {
		return u.pausedAt
	}
	return u.ext.Extend(u.raw())
}

// Pause freezes the reported count. The interrupts keep running, so the
// edges seen while paused are discarded on Resume.
func (u *IRQUnit) Pause() error {
	if !u.ready {
		return pcnt.ErrNotConfigured
	}
	u.pausedAt = u.ReadCounter()
	u.paused = true
	return nil
}

func (u *IRQUnit) Resume() error {
	if !u.ready {
		return pcnt.ErrNotConfigured
	}
	if u.paused {
		u.ext.Rebase(u.raw())
		u.paused = false
	}
	return nil
}

func (u *IRQUnit) Clear() error {
	if u.dev != nil {
		u.ext.Reset(u.raw())
	}
	u.pausedAt = 0
	return nil
}

// Close removes the pin interrupts the drivers encoder installed
func (u *IRQUnit) Close() {
	if u.dev != nil {
		clearInterrupts(machine.Pin(u.cfg.PinA), machine.Pin(u.cfg.PinB))
	}
	u.ready = false
}

func (u *IRQUnit) SetEventHandler(h pcnt.EventHandler) {
	u.ext.SetEventHandler(h)
}
