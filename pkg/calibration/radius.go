package calibration

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CalibrateRadius adjusts the delta radius until the bed center and
// the three tower points probe at the same height.
func (e *Engine) CalibrateRadius(rep Reporter, opts Options) (Result, error) {
	if err := e.acquire("radius"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: delta radius starting, target %.3f radius %.1f", opts.Target, opts.Radius)
	s := e.newSession(rep, opts)
	return s.calibrateRadius()
}

func (s *session) calibrateRadius() (Result, error) {
	if s.e.geo.GetType() != "delta" {
		return s.result(false, 0, 0), errors.Wrap(ErrNotDelta, "radius calibration")
	}
	if s.e.geo.Corrections().Radius == 0 {
		s.reportf("This appears to not be a delta arm solution")
		return s.result(false, 0, 0), errors.Wrap(ErrNotDelta, "radius calibration")
	}
	s.reportf("Calibrating delta radius: target %.3f, radius %.1f", s.target, s.radius)

	bedht, err := s.findBed()
	if err != nil {
		return s.result(false, 0, 0), err
	}

	// Reference reading at the center. The center is insensitive to
	// the delta radius, so probe it once and reuse it.
	cmm, err := s.probePoint(center)
	if err != nil {
		return s.result(false, 0, 0), err
	}
	s.reportf("CT Z:%.5f", cmm)

	var d float64
	for pass := 1; pass <= maxRadiusPasses; pass++ {
		z, err := s.probeTowers()
		if err != nil {
			return s.result(false, pass, d), err
		}

		m := (z[0] + z[1] + z[2]) / 3.0
		d = cmm - m
		s.reportf("%d: Tower Z-ave:%.4f Off by:%.5f", pass, m, d)
		if math.Abs(d) <= s.target {
			logrus.Debugf("calibration: delta radius converged after %d passes, off by %.5f", pass, d)
			return s.result(true, pass, d), s.e.port.Home()
		}

		// A low center needs a larger delta radius, a high center a
		// smaller one.
		c := s.e.geo.Corrections()
		c.Radius += d * radiusGain
		if err := s.e.geo.SetCorrections(c); err != nil {
			return s.result(false, pass, d), err
		}
		s.reportf("Setting delta radius to: %.4f", c.Radius)

		if err := s.reposition(bedht); err != nil {
			return s.result(false, pass, d), err
		}
	}

	s.reportf("WARNING: delta radius did not converge: off by %.5f", d)
	return s.result(false, maxRadiusPasses, d), s.e.port.Home()
}
