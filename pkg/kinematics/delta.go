package kinematics

import (
	"math"

	"github.com/pkg/errors"
)

// ErrUnreachable is returned when a cartesian target lies outside the
// envelope the arms can reach.
var ErrUnreachable = errors.New("position outside reachable envelope")

// Default tower angles in degrees. Tower A rear-left, B rear-right,
// C front-center, 120 degrees apart.
var defaultAngles = [3]float64{210.0, 330.0, 90.0}

// Corrections is the mutable part of the delta geometry: the global
// radius and arm length plus the per-tower placement corrections found
// by calibration. It is read and written as an atomic snapshot so a
// read-modify-write between probe cycles never observes a partial
// update.
type Corrections struct {
	Radius       float64    // effective delta radius (mm)
	ArmLength    float64    // diagonal arm length (mm)
	RadiusOffset [3]float64 // per-tower radial placement error (mm)
	AngleOffset  [3]float64 // per-tower angular placement error (degrees)
}

// DeltaConfig holds the construction parameters for a delta model.
type DeltaConfig struct {
	ArmLength    float64
	Radius       float64
	Angles       [3]float64 // zero value selects the default 210/330/90 layout
	RadiusOffset [3]float64
	AngleOffset  [3]float64
}

// Delta implements the kinematic transform for a linear delta machine:
// three vertical carriages joined to the effector by fixed-length arms.
// The tower positions are derived from the radius, the base angles and
// the per-tower corrections, and are recomputed whenever a correction
// changes.
type Delta struct {
	armLength    float64
	arm2         float64 // armLength squared, cached
	radius       float64
	angles       [3]float64
	radiusOffset [3]float64
	angleOffset  [3]float64
	towers       [3][2]float64 // effective tower x/y
}

// NewDelta creates a delta model from the given configuration.
func NewDelta(cfg DeltaConfig) (*Delta, error) {
	if cfg.Radius <= 0 {
		return nil, errors.Errorf("delta radius %.3f must be positive", cfg.Radius)
	}
	if cfg.ArmLength <= cfg.Radius {
		return nil, errors.Errorf("arm length %.3f must exceed delta radius %.3f",
			cfg.ArmLength, cfg.Radius)
	}

	d := &Delta{
		armLength:    cfg.ArmLength,
		radius:       cfg.Radius,
		angles:       cfg.Angles,
		radiusOffset: cfg.RadiusOffset,
		angleOffset:  cfg.AngleOffset,
	}
	if d.angles == ([3]float64{}) {
		d.angles = defaultAngles
	}
	d.recalcTowers()
	return d, nil
}

// GetType returns the kinematic type name.
func (d *Delta) GetType() string {
	return "delta"
}

// recalcTowers rebuilds the cached tower positions and squared arm
// length from the current parameters.
func (d *Delta) recalcTowers() {
	d.arm2 = d.armLength * d.armLength
	for i := 0; i < 3; i++ {
		radius := d.radius + d.radiusOffset[i]
		angle := (d.angles[i] + d.angleOffset[i]) * math.Pi / 180.0
		d.towers[i] = [2]float64{
			math.Cos(angle) * radius,
			math.Sin(angle) * radius,
		}
	}
}

// CartesianToActuator converts a cartesian position into the three
// carriage heights that realize it.
// carriage = sqrt(arm^2 - (tower_x - x)^2 - (tower_y - y)^2) + z
func (d *Delta) CartesianToActuator(pos [3]float64) ([3]float64, error) {
	var act [3]float64
	for i, tower := range d.towers {
		dx := tower[0] - pos[0]
		dy := tower[1] - pos[1]
		radicand := d.arm2 - dx*dx - dy*dy
		if radicand <= 0 {
			// On the boundary the arm would lie flat, a singular pose.
			return [3]float64{}, errors.Wrapf(ErrUnreachable,
				"tower %s cannot reach (%.3f, %.3f)", TowerName(i), pos[0], pos[1])
		}
		act[i] = math.Sqrt(radicand) + pos[2]
	}
	return act, nil
}

// ActuatorToCartesian converts three carriage heights back into the
// cartesian tool position by intersecting the three spheres of arm
// radius centered on the carriages. The tool hangs below the carriage
// plane, so the solution with negative local z is taken.
func (d *Delta) ActuatorToCartesian(act [3]float64) [3]float64 {
	sphere1 := [3]float64{d.towers[0][0], d.towers[0][1], act[0]}
	sphere2 := [3]float64{d.towers[1][0], d.towers[1][1], act[1]}
	sphere3 := [3]float64{d.towers[2][0], d.towers[2][1], act[2]}

	s21 := vsub(sphere2, sphere1)
	s31 := vsub(sphere3, sphere1)

	dist := vnorm(s21)
	ex := vscale(s21, 1.0/dist)
	i := vdot(ex, s31)
	vectEy := vsub(s31, vscale(ex, i))
	ey := vscale(vectEy, 1.0/vnorm(vectEy))
	ez := vcross(ex, ey)
	j := vdot(ey, s31)

	// With equal arm lengths the local solution reduces to:
	x := dist / 2.0
	y := (i*i + j*j - 2.0*i*x) / (2.0 * j)
	z := -math.Sqrt(d.arm2 - x*x - y*y)

	pos := vadd(sphere1, vscale(ex, x))
	pos = vadd(pos, vscale(ey, y))
	pos = vadd(pos, vscale(ez, z))
	return pos
}

// Corrections returns a snapshot of the current correction parameters.
func (d *Delta) Corrections() Corrections {
	return Corrections{
		Radius:       d.radius,
		ArmLength:    d.armLength,
		RadiusOffset: d.radiusOffset,
		AngleOffset:  d.angleOffset,
	}
}

// SetCorrections replaces the correction parameters and rebuilds the
// tower positions. The whole snapshot is applied at once.
func (d *Delta) SetCorrections(c Corrections) error {
	if c.Radius <= 0 {
		return errors.Errorf("delta radius %.3f must be positive", c.Radius)
	}
	if c.ArmLength <= 0 {
		return errors.Errorf("arm length %.3f must be positive", c.ArmLength)
	}
	d.radius = c.Radius
	d.armLength = c.ArmLength
	d.radiusOffset = c.RadiusOffset
	d.angleOffset = c.AngleOffset
	d.recalcTowers()
	return nil
}

// GetStatus returns the current status of the model.
func (d *Delta) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"type":          "delta",
		"arm_length":    d.armLength,
		"radius":        d.radius,
		"radius_offset": d.radiusOffset,
		"angle_offset":  d.angleOffset,
		"towers":        d.towers,
	}
}

// Fixed-size vector helpers for the trilateration.

func vsub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func vadd(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func vscale(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func vdot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func vcross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func vnorm(a [3]float64) float64 {
	return math.Sqrt(vdot(a, a))
}
