package kinematics

import (
	"github.com/pkg/errors"
)

// CoreXY models the crossed-belt layout: motor A carries x+y, motor B
// carries x-y and Z maps straight through. The Z axis is uncoupled,
// which is what the probe cares about; like Cartesian it has no
// geometry to calibrate.
type CoreXY struct{}

// NewCoreXY creates a corexy model.
func NewCoreXY() *CoreXY {
	return &CoreXY{}
}

// GetType returns the kinematic type name.
func (c *CoreXY) GetType() string {
	return "corexy"
}

// CartesianToActuator mixes X and Y onto the A and B motors.
func (c *CoreXY) CartesianToActuator(pos [3]float64) ([3]float64, error) {
	return [3]float64{pos[0] + pos[1], pos[0] - pos[1], pos[2]}, nil
}

// ActuatorToCartesian recovers X and Y from the motor positions.
func (c *CoreXY) ActuatorToCartesian(act [3]float64) [3]float64 {
	return [3]float64{0.5 * (act[0] + act[1]), 0.5 * (act[0] - act[1]), act[2]}
}

// Corrections returns the zero snapshot.
func (c *CoreXY) Corrections() Corrections {
	return Corrections{}
}

// SetCorrections rejects every snapshot.
func (c *CoreXY) SetCorrections(Corrections) error {
	return errors.New("corexy kinematics has no geometry options")
}

// GetStatus returns the current status of the model.
func (c *CoreXY) GetStatus() map[string]interface{} {
	return map[string]interface{}{"type": "corexy"}
}
