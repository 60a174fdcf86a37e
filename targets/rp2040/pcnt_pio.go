//go:build rp2040

package main

import (
	"errors"
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"

	"quadenc/pcnt"
)

var errPIOPinsAdjacent = errors.New("pio: pin B must follow pin A")

// Quadrature decoder program. The first 16 words are a jump table indexed
// by (previous AB << 2) | current AB, so the program must sit at origin 0.
// Y holds the count; every loop pushes it to the RX FIFO without blocking.
const (
	quadDecrement = 14
	quadUpdate    = 15
	quadIncrement = 21
	quadWrapEnd   = 23
)

var quadratureProgram = []uint16{
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 00 -> 00
	pio.EncodeJmp(quadDecrement, pio.JmpAlways), // 00 -> 01
	pio.EncodeJmp(quadIncrement, pio.JmpAlways), // 00 -> 10
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 00 -> 11
	pio.EncodeJmp(quadIncrement, pio.JmpAlways), // 01 -> 00
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 01 -> 01
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 01 -> 10
	pio.EncodeJmp(quadDecrement, pio.JmpAlways), // 01 -> 11
	pio.EncodeJmp(quadDecrement, pio.JmpAlways), // 10 -> 00
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 10 -> 01
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 10 -> 10
	pio.EncodeJmp(quadIncrement, pio.JmpAlways), // 10 -> 11
	pio.EncodeJmp(quadUpdate, pio.JmpAlways),    // 11 -> 00
	pio.EncodeJmp(quadIncrement, pio.JmpAlways), // 11 -> 01

	// 14: decrement, falls into update
	pio.EncodeJmp(quadUpdate, pio.JmpYNZeroDec),

	// 15: update (wrap target)
	pio.EncodeMov(pio.SrcDestISR, pio.SrcDestY),
	pio.EncodePush(false, false),

	// 17: sample pins, then jump through the table
	pio.EncodeOut(pio.SrcDestISR, 2),
	pio.EncodeIn(pio.SrcDestPins, 2),
	pio.EncodeMov(pio.SrcDestOSR, pio.SrcDestISR),
	pio.EncodeMov(pio.SrcDestPC, pio.SrcDestISR),

	// 21: increment as Y = ~(~Y - 1)
	pio.EncodeMovNot(pio.SrcDestY, pio.SrcDestY),
	pio.EncodeJmp(quadWrapEnd, pio.JmpYNZeroDec),
	pio.EncodeMovNot(pio.SrcDestY, pio.SrcDestY),
}

var (
	// RP2040 has 2 PIO blocks with 4 state machines each; the program is
	// loaded once per block
	pioBlocks      = [2]*pio.PIO{pio.PIO0, pio.PIO1}
	pioProgramUsed = [2]bool{}
)

// PIOUnit counts quadrature edges with a PIO state machine. The 32-bit
// count pushed by the program is widened by an Extender.
type PIOUnit struct {
	id       pcnt.UnitID
	sm       pio.StateMachine
	ext      *pcnt.Extender
	cfg      pcnt.Config
	lastRaw  uint32
	paused   bool
	pausedAt int64
	ready    bool
}

// NewPIOUnit claims a free state machine and loads the program into its
// block if needed
func NewPIOUnit(id pcnt.UnitID) (*PIOUnit, error) {
	for i, block := range pioBlocks {
		sm, err := block.ClaimStateMachine()
		if err != nil {
			continue
		}
		if !pioProgramUsed[i] {
			if _, err := block.AddProgram(quadratureProgram, 0); err != nil {
				sm.Unclaim()
				return nil, err
			}
			pioProgramUsed[i] = true
		}
		return &PIOUnit{id: id, sm: sm, ext: pcnt.NewExtender(id, 0)}, nil
	}
	return nil, pcnt.ErrNoFreeResource
}

func (u *PIOUnit) ID() pcnt.UnitID {
	return u.id
}

// Configure sets up the pins and state machine and leaves it stopped
func (u *PIOUnit) Configure(cfg pcnt.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.PinB != cfg.PinA+1 {
		return errPIOPinsAdjacent
	}

	pinA := machine.Pin(cfg.PinA)
	pinB := machine.Pin(cfg.PinB)
	mode := u.sm.PIO().PinMode()
	pinA.Configure(machine.PinConfig{Mode: mode})
	pinB.Configure(machine.PinConfig{Mode: mode})

	u.sm.SetEnabled(false)

	smCfg := pio.DefaultStateMachineConfig()
	smCfg.SetInPins(pinA)
	smCfg.SetInShift(false, false, 32)
	smCfg.SetFIFOJoin(pio.FifoJoinRx)
	smCfg.SetWrap(quadUpdate, quadWrapEnd)
	// Full system clock: the program needs 10 cycles per edge at most
	smCfg.SetClkDivIntFrac(1, 0)

	u.sm.Init(0, smCfg)
	u.sm.SetY(0)
	u.sm.SetPindirsConsecutive(pinA, 2, false)
	u.sm.ClearFIFOs()

	u.cfg = cfg
	u.ext.Configure(cfg)
	u.lastRaw = 0
	u.ext.Reset(0)
	u.ready = true
	return nil
}

// drain returns the newest count in the RX FIFO, or the previous one
func (u *PIOUnit) drain() uint32 {
	for u.sm.RxFIFOLevel() > 0 {
		u.lastRaw = u.sm.RxGet()
	}
	return u.lastRaw
}

func (u *PIOUnit) ReadCounter() int64 {
	if !u.ready {
		return 0
	}
	if u.paused {
		return u.pausedAt
	}
	return u.ext.Extend(u.drain())
}

// Pause stops the state machine. Edges while paused are not counted; the
// raw register keeps its value, so the extender picks up where it was.
func (u *PIOUnit) Pause() error {
	if !u.ready {
		return pcnt.ErrNotConfigured
	}
	u.pausedAt = u.ReadCounter()
	u.paused = true
	u.sm.SetEnabled(false)
	return nil
}

func (u *PIOUnit) Resume() error {
	if !u.ready {
		return pcnt.ErrNotConfigured
	}
	u.sm.ClearFIFOs()
	u.sm.SetEnabled(true)
	u.paused = false
	return nil
}

// Clear makes the current raw count the new zero
func (u *PIOUnit) Clear() error {
	u.ext.Reset(u.drain())
	u.pausedAt = 0
	return nil
}

// Close stops the state machine and returns it to its block
func (u *PIOUnit) Close() {
	u.sm.SetEnabled(false)
	u.sm.Unclaim()
	u.ready = false
}

func (u *PIOUnit) SetEventHandler(h pcnt.EventHandler) {
	u.ext.SetEventHandler(h)
}
