package kinematics

import (
	"github.com/pkg/errors"
)

// Cartesian is the identity model for machines whose motors map
// straight onto the cartesian axes. It lets the probe and the console
// commands run on a non-delta machine; the calibration routines check
// GetType and refuse it.
type Cartesian struct{}

// NewCartesian creates a cartesian model.
func NewCartesian() *Cartesian {
	return &Cartesian{}
}

// GetType returns the kinematic type name.
func (c *Cartesian) GetType() string {
	return "cartesian"
}

// CartesianToActuator maps the position onto itself.
func (c *Cartesian) CartesianToActuator(pos [3]float64) ([3]float64, error) {
	return pos, nil
}

// ActuatorToCartesian maps the positions onto themselves.
func (c *Cartesian) ActuatorToCartesian(act [3]float64) [3]float64 {
	return act
}

// Corrections returns the zero snapshot: there is no adjustable
// geometry on a cartesian machine.
func (c *Cartesian) Corrections() Corrections {
	return Corrections{}
}

// SetCorrections rejects every snapshot for the same reason.
func (c *Cartesian) SetCorrections(Corrections) error {
	return errors.New("cartesian kinematics has no geometry options")
}

// GetStatus returns the current status of the model.
func (c *Cartesian) GetStatus() map[string]interface{} {
	return map[string]interface{}{"type": "cartesian"}
}
