package calibration

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CalibrateEndstops levels the three tower endstops. It probes under
// each tower and adjusts the trims until the readings agree within the
// target, zeroing the stored trims first unless Keep is set.
func (e *Engine) CalibrateEndstops(rep Reporter, opts Options) (Result, error) {
	if err := e.acquire("endstops"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: endstops starting, target %.3f radius %.1f", opts.Target, opts.Radius)
	s := e.newSession(rep, opts)
	return s.calibrateEndstops(opts.Keep)
}

func (s *session) calibrateEndstops(keep bool) (Result, error) {
	s.reportf("Calibrating endstops: target %.3fmm, radius %.1fmm", s.target, s.radius)

	var trims [3]float64
	if keep {
		t, err := s.e.trims.Trims()
		if err != nil {
			return s.result(false, 0, 0), errors.Wrap(err, "could not get current trim, are endstops enabled?")
		}
		trims = t
		s.reportf("Current trim X:%.4f Y:%.4f Z:%.4f", trims[0], trims[1], trims[2])
	} else {
		if err := s.e.trims.SetTrims([3]float64{}); err != nil {
			return s.result(false, 0, 0), err
		}
	}

	bedht, err := s.findBed()
	if err != nil {
		return s.result(false, 0, 0), err
	}

	z, err := s.probeTowers()
	if err != nil {
		return s.result(false, 0, 0), err
	}
	s.reportf("0: A:%.5f B:%.5f C:%.5f", z[0], z[1], z[2])

	lo, hi := minMax3(z)
	if hi-lo <= s.target {
		s.reportf("Trim already set within required parameters: delta %.5f", hi-lo)
		return s.result(true, 0, hi-lo), nil
	}

	// Correct toward the lowest reading so every trim stays negative.
	for i := 0; i < 3; i++ {
		trims[i] += (lo - z[i]) * trimScale
	}

	spread := hi - lo
	for pass := 1; pass <= maxTrimPasses; pass++ {
		if err := s.e.trims.SetTrims(trims); err != nil {
			return s.result(false, pass, spread), err
		}
		if err := s.reposition(bedht); err != nil {
			return s.result(false, pass, spread), err
		}
		z, err = s.probeTowers()
		if err != nil {
			return s.result(false, pass, spread), err
		}
		s.reportf("%d: A:%.5f B:%.5f C:%.5f", pass, z[0], z[1], z[2])

		lo, hi = minMax3(z)
		spread = hi - lo
		if spread <= s.target {
			s.reportf("Trim set to within required parameters: delta %.5f", spread)
			logrus.Debugf("calibration: endstops converged after %d passes, spread %.5f", pass, spread)
			return s.result(true, pass, spread), nil
		}
		for i := 0; i < 3; i++ {
			trims[i] += (lo - z[i]) * trimScale
		}
	}

	s.reportf("WARNING: trim did not resolve to within required parameters: delta %.5f", spread)
	return s.result(false, maxTrimPasses, spread), nil
}

func minMax3(v [3]float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
