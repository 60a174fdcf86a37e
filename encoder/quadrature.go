// Package encoder converts a quadrature pulse count into shaft angle and
// filtered angular velocity.
package encoder

import (
	"errors"
	"math"

	"quadenc/pcnt"
	"quadenc/sensor"
)

const (
	// DefaultFilterAlpha is the weight of the newest raw velocity sample
	DefaultFilterAlpha = 0.3

	// FallbackInterval replaces the sample interval (seconds) when the
	// measured one is not usable
	FallbackInterval = 1e-3

	// MaxSampleInterval is the longest interval (seconds) still trusted
	MaxSampleInterval = 0.5

	// QuadratureMultiplier is the number of counts per encoder pulse with
	// x4 decoding
	QuadratureMultiplier = 4

	twoPi = 2 * math.Pi
)

var (
	ErrInvalidPPR   = errors.New("encoder: pulses per rotation must be positive")
	ErrInvalidAlpha = errors.New("encoder: filter alpha must be in (0, 1]")
	ErrNilCounter   = errors.New("encoder: counter is nil")
	ErrNilClock     = errors.New("encoder: clock is nil")
)

// Counter is the part of a pulse counter unit the encoder uses.
type Counter interface {
	Configure(cfg pcnt.Config) error
	Resume() error
	ReadCounter() int64
}

// Clock returns a monotonic microsecond timestamp that may wrap.
type Clock interface {
	Micros() uint32
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint32

func (f ClockFunc) Micros() uint32 { return f() }

// Config describes one encoder.
type Config struct {
	PinA pcnt.Pin
	PinB pcnt.Pin

	// PPR is the encoder resolution in pulses per rotation before
	// quadrature multiplication.
	PPR int

	// FilterAlpha is the velocity filter coefficient in (0, 1].
	// Zero selects DefaultFilterAlpha.
	FilterAlpha float64

	Invert         bool
	GlitchFilterUS uint32

	// Counter limits passed to the counter; zero disables a limit
	HighLimit int64
	LowLimit  int64
}

// Quadrature is a quadrature encoder read through a pulse counter.
//
// Update must not be called concurrently; the accessors return the values
// computed by the last Update and never touch the hardware.
type Quadrature struct {
	counter Counter
	clock   Clock
	cfg     Config

	cpr      float64
	cprCount int64
	alpha    float64
	armed    bool

	count         int64
	fullRotations int64
	mechAngle     float64
	angle         float64

	prevCount     int64
	prevTimestamp uint32
	pulseRate     float64
	velocity      float64
	fallbacks     uint32
}

var _ sensor.MotionSensor = (*Quadrature)(nil)
var _ sensor.RotationTracker = (*Quadrature)(nil)

// New creates an encoder. It validates the configuration but does not
// configure the counter; call Init for that.
func New(counter Counter, clock Clock, cfg Config) (*Quadrature, error) {
	if counter == nil {
		return nil, ErrNilCounter
	}
	if clock == nil {
		return nil, ErrNilClock
	}
	if cfg.PPR <= 0 {
		return nil, ErrInvalidPPR
	}
	if cfg.FilterAlpha == 0 {
		cfg.FilterAlpha = DefaultFilterAlpha
	}
	if !(cfg.FilterAlpha > 0 && cfg.FilterAlpha <= 1) {
		return nil, ErrInvalidAlpha
	}

	cprCount := int64(cfg.PPR) * QuadratureMultiplier
	return &Quadrature{
		counter:       counter,
		clock:         clock,
		cfg:           cfg,
		cpr:           float64(cprCount),
		cprCount:      cprCount,
		alpha:         cfg.FilterAlpha,
		prevTimestamp: clock.Micros(),
	}, nil
}

// Init arms the counter on first use and re-synchronizes the velocity
// baseline on every call. The hardware count is never cleared: the
// starting shaft position is whatever the counter holds.
func (q *Quadrature) Init() error {
	if !q.armed {
		if err := q.counter.Configure(q.Descriptor()); err != nil {
			return err
		}
		if err := q.counter.Resume(); err != nil {
			return err
		}
		q.armed = true
	}

	count := q.counter.ReadCounter()
	q.setAngles(count)
	q.prevCount = count
	q.prevTimestamp = q.clock.Micros()
	q.pulseRate = 0
	q.velocity = 0
	return nil
}

// Update reads the counter and the clock once and refreshes angle and
// velocity.
func (q *Quadrature) Update() {
	count := q.counter.ReadCounter()
	now := q.clock.Micros()

	q.setAngles(count)

	// A wrapped clock shows up as a negative interval
	ts := float64(int64(now)-int64(q.prevTimestamp)) * 1e-6
	if ts <= 0 || ts > MaxSampleInterval {
		ts = FallbackInterval
		q.fallbacks++
	}

	dN := count - q.prevCount
	q.pulseRate = float64(dN) / ts
	raw := q.pulseRate / q.cpr * twoPi
	q.velocity = q.alpha*raw + (1-q.alpha)*q.velocity

	q.prevCount = count
	q.prevTimestamp = now
}

// setAngles derives the angle fields from a raw count.
// The angle within the turn uses a Euclidean modulo so it stays in
// [0, 2π) for negative counts; full rotations truncate toward zero.
func (q *Quadrature) setAngles(count int64) {
	q.count = count
	q.fullRotations = count / q.cprCount

	rem := count % q.cprCount
	if rem < 0 {
		rem += q.cprCount
	}
	q.mechAngle = twoPi * float64(rem) / q.cpr
	q.angle = twoPi * float64(count) / q.cpr
}

// SensorAngle returns the continuous shaft angle in radians.
func (q *Quadrature) SensorAngle() float64 {
	return q.angle
}

// Velocity returns the filtered angular velocity in rad/s.
func (q *Quadrature) Velocity() float64 {
	return q.velocity
}

// NeedsSearch is always false: this encoder has no index channel.
func (q *Quadrature) NeedsSearch() bool {
	return q.hasIndex()
}

func (q *Quadrature) hasIndex() bool {
	return false
}

// FullRotations returns whole turns since the counter's zero.
func (q *Quadrature) FullRotations() int64 {
	return q.fullRotations
}

// MechanicalAngle returns the angle within the current turn in [0, 2π).
func (q *Quadrature) MechanicalAngle() float64 {
	return q.mechAngle
}

// Count returns the raw count seen by the last Init or Update.
func (q *Quadrature) Count() int64 {
	return q.count
}

// PulseRate returns the unfiltered pulse rate of the last Update in
// counts per second.
func (q *Quadrature) PulseRate() float64 {
	return q.pulseRate
}

// CountsPerRotation returns 4 × PPR.
func (q *Quadrature) CountsPerRotation() float64 {
	return q.cpr
}

// PPR returns the configured pulses per rotation.
func (q *Quadrature) PPR() int {
	return q.cfg.PPR
}

// FallbackSamples counts updates that used FallbackInterval.
func (q *Quadrature) FallbackSamples() uint32 {
	return q.fallbacks
}

// Descriptor returns the counter descriptor Init applies.
func (q *Quadrature) Descriptor() pcnt.Config {
	cfg := pcnt.QuadratureConfig(q.cfg.PinA, q.cfg.PinB)
	cfg.Invert = q.cfg.Invert
	cfg.GlitchFilterUS = q.cfg.GlitchFilterUS
	cfg.HighLimit = q.cfg.HighLimit
	cfg.LowLimit = q.cfg.LowLimit
	return cfg
}
