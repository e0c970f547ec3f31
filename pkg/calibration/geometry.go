package calibration

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/kinematics"
)

// CalibrateGeometry runs the complete calibration: it levels the
// endstops, trims the delta radius, then repeatedly probes all six
// calibration points, blames the tower whose point disagrees most with
// its opposite and corrects that tower's radius and angle, until every
// pair agrees within the target.
func (e *Engine) CalibrateGeometry(rep Reporter, opts Options) (Result, error) {
	if err := e.acquire("geometry"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Infof("calibration: full geometry starting, target %.3f radius %.1f", opts.Target, opts.Radius)
	s := e.newSession(rep, opts)
	res, err := s.calibrateGeometry(opts.Keep)
	logrus.Infof("calibration: full geometry finished, converged=%v passes=%d probes=%d",
		res.Converged, res.Iterations, res.Probes)
	return res, err
}

func (s *session) calibrateGeometry(keep bool) (Result, error) {
	if s.e.geo.GetType() != "delta" {
		return s.result(false, 0, 0), errors.Wrap(ErrNotDelta, "geometry calibration")
	}

	var worst float64
	for pass := 1; pass <= maxGeometryPasses; pass++ {
		s.reportf("Geometry pass %d", pass)
		if _, err := s.calibrateEndstops(keep); err != nil {
			return s.result(false, pass, worst), err
		}
		keep = true
		if _, err := s.calibrateRadius(); err != nil {
			return s.result(false, pass, worst), err
		}

		if _, err := s.findBed(); err != nil {
			return s.result(false, pass, worst), err
		}
		z, err := s.probeSurvey()
		if err != nil {
			return s.result(false, pass, worst), err
		}
		s.reportf("%d: A:%.5f B:%.5f C:%.5f -A:%.5f -B:%.5f -C:%.5f", pass,
			z[PointA], z[PointB], z[PointC], z[PointAntiA], z[PointAntiB], z[PointAntiC])

		// Each tower is judged radially against the point opposite it.
		var radial [3]float64
		good := 0
		worst = 0
		for t := kinematics.TowerA; t <= kinematics.TowerC; t++ {
			radial[t] = z[t] - z[antiOf(t)]
			verdict := "bad"
			if math.Abs(radial[t]) < s.target {
				verdict = "good"
				good++
			}
			if math.Abs(radial[t]) > worst {
				worst = math.Abs(radial[t])
			}
			s.reportf("Tower %s radial difference %+.5f (%s)", kinematics.TowerName(t), radial[t], verdict)
		}
		// Angle disagreement is advisory here. It does not drive the
		// blame, but tells the operator which tower to rotate.
		for t := kinematics.TowerA; t <= kinematics.TowerC; t++ {
			l := math.Abs(z[t] - z[midpoints[t].left])
			r := math.Abs(z[t] - z[midpoints[t].right])
			verdict := "bad"
			if l <= s.target && r <= s.target {
				verdict = "good"
			}
			s.reportf("Tower %s angle left %.5f right %.5f (%s)", kinematics.TowerName(t), l, r, verdict)
		}
		if good == 3 {
			s.reportf("Total calibration successful")
			return s.result(true, pass, worst), nil
		}

		blame := kinematics.TowerA
		for t := kinematics.TowerB; t <= kinematics.TowerC; t++ {
			if math.Abs(radial[t]) > math.Abs(radial[blame]) {
				blame = t
			}
		}
		s.reportf("Blaming tower %s", kinematics.TowerName(blame))

		if _, err := s.fixTowerRadius(blame); err != nil {
			return s.result(false, pass, worst), err
		}
		if _, err := s.fixTowerAngle(blame); err != nil {
			return s.result(false, pass, worst), err
		}
	}

	s.reportf("WARNING: calibration did not converge after %d passes", maxGeometryPasses)
	return s.result(false, maxGeometryPasses, worst), nil
}
