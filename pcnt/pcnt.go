// Package pcnt describes the pulse-counting peripheral boundary.
// Platform backends (PIO state machines, GPIO interrupts, Linux GPIO
// watchers) implement Unit; the kinematics code only reads counters.
package pcnt

import "errors"

var (
	ErrSamePins       = errors.New("pcnt: pin A and pin B must differ")
	ErrInvalidLimits  = errors.New("pcnt: high limit must be positive and low limit negative")
	ErrInvalidDecode  = errors.New("pcnt: unknown decode mode")
	ErrNotConfigured  = errors.New("pcnt: unit not configured")
	ErrNoFreeResource = errors.New("pcnt: no free counter resource")
)

// Pin identifies a hardware GPIO pin number
type Pin uint32

// UnitID identifies one counter unit. Backends assign it at construction.
type UnitID uint8

// Decode selects which channel edges change the count.
type Decode uint8

const (
	// DecodeX4 counts every edge of both channels (4 counts per pulse).
	DecodeX4 Decode = iota
	// DecodeX2 counts both edges of channel A, channel B gives direction.
	DecodeX2
	// DecodeX1 counts rising edges of channel A only.
	DecodeX1
)

// Multiplier returns the number of counts per encoder pulse.
func (d Decode) Multiplier() int {
	switch d {
	case DecodeX2:
		return 2
	case DecodeX1:
		return 1
	default:
		return 4
	}
}

func (d Decode) String() string {
	switch d {
	case DecodeX4:
		return "x4"
	case DecodeX2:
		return "x2"
	case DecodeX1:
		return "x1"
	default:
		return "unknown"
	}
}

// Config is the peripheral descriptor handed to Unit.Configure.
type Config struct {
	PinA   Pin
	PinB   Pin
	Decode Decode

	// Invert swaps the counting direction.
	Invert bool

	// Counter limits. When the count reaches a limit the unit raises an
	// event and restarts from zero. Zero disables the limit.
	HighLimit int64
	LowLimit  int64

	// GlitchFilterUS drops edges that follow the previous accepted edge by
	// less than this many microseconds. Backends without a filter ignore it.
	GlitchFilterUS uint32
}

// QuadratureConfig returns the x4 descriptor used by the encoder.
func QuadratureConfig(pinA, pinB Pin) Config {
	return Config{
		PinA:   pinA,
		PinB:   pinB,
		Decode: DecodeX4,
	}
}

// Validate checks the descriptor for obvious wiring mistakes.
func (c Config) Validate() error {
	if c.PinA == c.PinB {
		return ErrSamePins
	}
	if c.Decode > DecodeX1 {
		return ErrInvalidDecode
	}
	if c.HighLimit < 0 || c.LowLimit > 0 {
		return ErrInvalidLimits
	}
	return nil
}

// Event is a counter notification raised by a unit.
type Event uint8

const (
	EventHighLimit Event = iota + 1
	EventLowLimit
)

func (e Event) String() string {
	switch e {
	case EventHighLimit:
		return "high_limit"
	case EventLowLimit:
		return "low_limit"
	default:
		return "unknown"
	}
}

// EventHandler receives unit events. It may run in interrupt context and
// must not block.
type EventHandler func(id UnitID, ev Event)

// Unit is one pulse counter instance.
type Unit interface {
	// ID returns the identifier passed to event handlers
	ID() UnitID

	// Configure applies the descriptor and arms the unit in a paused state
	Configure(cfg Config) error

	// ReadCounter returns the current signed count
	ReadCounter() int64

	// Pause stops counting without losing the count
	Pause() error

	// Resume restarts counting
	Resume() error

	// Clear sets the count to zero
	Clear() error

	// SetEventHandler installs the per-unit event callback (nil disables it)
	SetEventHandler(h EventHandler)
}

// applyLimits folds count into the configured limit window.
// It returns the new count and the event to raise, if any.
func applyLimits(count int64, high, low int64) (int64, Event) {
	if high > 0 && count >= high {
		return 0, EventHighLimit
	}
	if low < 0 && count <= low {
		return 0, EventLowLimit
	}
	return count, 0
}
