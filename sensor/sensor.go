// Package sensor defines the motion-sensor contract consumed by control
// loops. Quadrature encoders, absolute encoders, resolvers and Hall sensors
// are interchangeable behind MotionSensor.
package sensor

// MotionSensor is the capability set a control loop depends on.
type MotionSensor interface {
	// Init performs one-time hardware setup and re-synchronizes the
	// velocity baseline. It is safe to call more than once.
	Init() error

	// Update samples the hardware and refreshes angle and velocity.
	// It never blocks and never fails.
	Update()

	// SensorAngle returns the continuous shaft angle in radians as of
	// the last Update.
	SensorAngle() float64

	// Velocity returns the filtered angular velocity in rad/s as of
	// the last Update.
	Velocity() float64

	// NeedsSearch reports whether an absolute-zero search is required
	// before the angle is meaningful.
	NeedsSearch() bool
}

// RotationTracker is implemented by sensors that separate whole turns
// from the angle within the current turn.
type RotationTracker interface {
	FullRotations() int64
	MechanicalAngle() float64
}

// Reading is a snapshot of one sensor taken after Update.
type Reading struct {
	Angle           float64
	Velocity        float64
	FullRotations   int64
	MechanicalAngle float64
	HasRotations    bool
}

// Read takes a snapshot of s without updating it.
func Read(s MotionSensor) Reading {
	r := Reading{
		Angle:    s.SensorAngle(),
		Velocity: s.Velocity(),
	}
	if rt, ok := s.(RotationTracker); ok {
		r.FullRotations = rt.FullRotations()
		r.MechanicalAngle = rt.MechanicalAngle()
		r.HasRotations = true
	}
	return r
}
