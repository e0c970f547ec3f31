package calibration

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/kinematics"
)

// FixTowerRadius corrects the radius offset of one tower until the
// point under the tower and the point opposite it probe at the same
// height. On success it probes a full bed survey.
func (e *Engine) FixTowerRadius(rep Reporter, tower int, opts Options) (Result, error) {
	if err := e.acquire("tower_radius"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: tower %s radius fix starting", kinematics.TowerName(tower))
	s := e.newSession(rep, opts)
	return s.fixTowerRadius(tower)
}

func (s *session) fixTowerRadius(tower int) (Result, error) {
	if err := checkTower(tower); err != nil {
		return s.result(false, 0, 0), err
	}
	name := kinematics.TowerName(tower)
	s.reportf("Adjusting radius of tower %s: target %.3f", name, s.target)

	if _, err := s.findBed(); err != nil {
		return s.result(false, 0, 0), err
	}
	pt, anti := s.pts[tower], s.pts[antiOf(tower)]

	tz, err := s.probePoint(pt)
	if err != nil {
		return s.result(false, 0, 0), err
	}
	az, err := s.probePoint(anti)
	if err != nil {
		return s.result(false, 0, 0), err
	}
	s.reportf("%s:%.5f %s:%.5f", pt.Name, tz, anti.Name, az)

	// A low reading opposite the tower means the tower leans in, so
	// its radius offset must grow.
	adj := -0.5
	if az < tz {
		adj = 0.5
	}

	loop := &correctionLoop{
		name:    "tower " + name + " radius",
		target:  s.target,
		policy:  quarterFlip,
		initial: adj,
		limit:   towerRadiusLimit,
		passes:  maxFixPasses,
		report:  s.reportf,
		apply: func(a float64) error {
			c := s.e.geo.Corrections()
			c.RadiusOffset[tower] += a
			if err := s.e.geo.SetCorrections(c); err != nil {
				return err
			}
			s.reportf("Tower %s radius offset now %+.5f (%+.5f)", name, c.RadiusOffset[tower], a)
			return nil
		},
		measure: func() (float64, error) {
			// The offset moves every reading, so re-level the
			// endstops before comparing the pair again.
			if _, err := s.calibrateEndstops(false); err != nil {
				return 0, errors.Wrap(err, "endstop recalibration")
			}
			if _, err := s.findBed(); err != nil {
				return 0, err
			}
			tz, err := s.probePoint(pt)
			if err != nil {
				return 0, err
			}
			az, err := s.probePoint(anti)
			if err != nil {
				return 0, err
			}
			s.reportf("%s:%.5f %s:%.5f", pt.Name, tz, anti.Name, az)
			return az - tz, nil
		},
	}
	converged, passes, diff, err := loop.run()
	if err != nil {
		return s.result(false, passes, diff), err
	}
	if !converged {
		s.reportf("WARNING: tower %s radius did not converge: off by %.5f", name, diff)
		return s.result(false, passes, diff), nil
	}
	s.reportf("Tower %s radius converged: off by %.5f", name, diff)
	logrus.Debugf("calibration: tower %s radius fixed after %d passes", name, passes)
	if err := s.survey(false); err != nil {
		return s.result(true, passes, diff), err
	}
	return s.result(true, passes, diff), nil
}

// FixTowerAngle corrects the angular position of one tower until the
// two points flanking it probe at the same height. On success it
// probes a full bed survey.
func (e *Engine) FixTowerAngle(rep Reporter, tower int, opts Options) (Result, error) {
	if err := e.acquire("tower_angle"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: tower %s angle fix starting", kinematics.TowerName(tower))
	s := e.newSession(rep, opts)
	return s.fixTowerAngle(tower)
}

func (s *session) fixTowerAngle(tower int) (Result, error) {
	if err := checkTower(tower); err != nil {
		return s.result(false, 0, 0), err
	}
	name := kinematics.TowerName(tower)
	s.reportf("Adjusting angle of tower %s: target %.3f", name, s.target)

	right, left := s.pts[midpoints[tower].right], s.pts[midpoints[tower].left]

	loop := &correctionLoop{
		name:    "tower " + name + " angle",
		target:  s.target,
		policy:  halveStep,
		initial: 0.5,
		passes:  maxFixPasses,
		report:  s.reportf,
		apply: func(a float64) error {
			if a == 0 {
				return nil
			}
			c := s.e.geo.Corrections()
			c.AngleOffset[tower] += a
			if err := s.e.geo.SetCorrections(c); err != nil {
				return err
			}
			s.reportf("Tower %s angle adjusted to %+.5f by %+.5f", name, c.AngleOffset[tower], a)
			return nil
		},
		measure: func() (float64, error) {
			if _, err := s.findBed(); err != nil {
				return 0, err
			}
			rz, err := s.probePoint(right)
			if err != nil {
				return 0, err
			}
			lz, err := s.probePoint(left)
			if err != nil {
				return 0, err
			}
			s.reportf("%s:%.5f %s:%.5f", right.Name, rz, left.Name, lz)
			return lz - rz, nil
		},
	}
	converged, passes, diff, err := loop.run()
	if err != nil {
		return s.result(false, passes, diff), err
	}
	if !converged {
		s.reportf("WARNING: tower %s angle did not converge: off by %.5f", name, diff)
		return s.result(false, passes, diff), nil
	}
	s.reportf("Tower %s angle adjustment is satisfactory: off by %.5f", name, diff)
	logrus.Debugf("calibration: tower %s angle fixed after %d passes", name, passes)
	if err := s.survey(false); err != nil {
		return s.result(true, passes, diff), err
	}
	return s.result(true, passes, diff), nil
}

func checkTower(tower int) error {
	if tower < kinematics.TowerA || tower > kinematics.TowerC {
		return errors.Errorf("no such tower %d", tower)
	}
	return nil
}
