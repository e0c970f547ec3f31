// Package kinematics converts between cartesian tool positions and
// actuator positions. The delta model carries the full parallel-arm
// geometry with its calibration corrections; the cartesian and corexy
// models cover machines whose Z axis needs no transform.
package kinematics

// Tower indices. A delta machine carries three towers spaced 120 degrees
// apart; every per-tower array in this package is indexed by these.
const (
	TowerA = 0
	TowerB = 1
	TowerC = 2
)

// TowerName returns the conventional letter for a tower index.
func TowerName(tower int) string {
	switch tower {
	case TowerA:
		return "A"
	case TowerB:
		return "B"
	case TowerC:
		return "C"
	default:
		return "?"
	}
}

// Model is the interface for kinematic transforms.
type Model interface {
	// GetType returns the kinematic type name (e.g. "delta").
	GetType() string

	// CartesianToActuator converts a cartesian position [x, y, z] into
	// per-tower actuator positions. Returns an error when the position
	// lies outside the reachable envelope.
	CartesianToActuator(pos [3]float64) ([3]float64, error)

	// ActuatorToCartesian converts per-tower actuator positions back
	// into a cartesian position. Exact inverse of CartesianToActuator
	// for reachable positions.
	ActuatorToCartesian(act [3]float64) [3]float64

	// Corrections returns the calibrated geometry snapshot. Models
	// without adjustable geometry return the zero value.
	Corrections() Corrections

	// SetCorrections replaces the geometry snapshot in one piece.
	// Models without adjustable geometry reject every snapshot.
	SetCorrections(Corrections) error

	// GetStatus returns the current status of the model.
	GetStatus() map[string]interface{}
}
