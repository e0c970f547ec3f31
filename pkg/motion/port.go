// Package motion drives the motorized axes: coordinated blocking moves,
// raw per-axis step streams with acceleration ramping, and the homing
// sequence that re-establishes the machine's reference frame.
package motion

// Axis indices. On a delta machine the three axes are the tower
// carriages A, B and C.
const (
	AxisX = 0
	AxisY = 1
	AxisZ = 2
)

// Port is the narrow surface the probing and calibration layers use to
// command the machine. Implementations must guarantee that a blocking
// call does not return until the queue is drained and the machine is
// physically at rest.
type Port interface {
	// Home runs the homing sequence to the top endstops and resets the
	// reference frame.
	Home() error

	// MoveTo runs a coordinated move to (x, y) at the current Z and
	// blocks until it completes. Feedrate is in mm/s.
	MoveTo(x, y, feedrate float64) error

	// MoveZ runs a relative Z move and blocks until it completes.
	MoveZ(dz, feedrate float64) error

	// StartSteps starts a move of the given signed step count on one
	// axis and returns without waiting. Positive steps raise the
	// carriage. When ramp is set the axis accelerates from the minimum
	// rate toward the commanded feedrate.
	StartSteps(axis int, steps int64, feedrate float64, ramp bool) error

	// Moving reports whether the axis is currently moving.
	Moving(axis int) bool

	// AnyMoving reports whether any axis is currently moving.
	AnyMoving() bool

	// StopAll stops every moving axis as soon as possible.
	StopAll()

	// Stepped returns the signed step count the axis has accumulated
	// since its current or last move started.
	Stepped(axis int) int64

	// StepsPerMM returns the actuator resolution in steps per
	// millimeter.
	StepsPerMM() float64

	// WaitIdle blocks until every axis is at rest.
	WaitIdle() error

	// SetZ redefines the current Z coordinate without moving.
	SetZ(z float64) error
}
