package calibration

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultSamples = 20
	maxSamples     = 100
)

// AssessBed dumps the current corrections, probes a thirteen point
// survey of the bed and reports the actuator position at every full
// radius contact. It changes no machine state.
func (e *Engine) AssessBed(rep Reporter, opts Options) (Result, error) {
	if err := e.acquire("bed_survey"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: bed assessment starting")
	s := e.newSession(rep, opts)
	if err := s.survey(true); err != nil {
		return s.result(false, 0, 0), err
	}
	return s.result(true, 0, 0), nil
}

// survey probes the thirteen point pattern and reports each reading:
// the center, the six calibration points and the same six bearings at
// half radius. With actuators set it also reports the actuator
// position for the center and every full radius contact.
func (s *session) survey(actuators bool) error {
	c := s.e.geo.Corrections()
	s.reportf("A:%.5f B:%.5f C:%.5f X:%.5f Y:%.5f Z:%.5f R:%.5f L:%.5f",
		c.RadiusOffset[0], c.RadiusOffset[1], c.RadiusOffset[2],
		c.AngleOffset[0], c.AngleOffset[1], c.AngleOffset[2],
		c.Radius, c.ArmLength)

	bedht, err := s.findBed()
	if err != nil {
		return err
	}
	s.reportf("Bed height %.3f mm", bedht)

	cz, err := s.probePoint(center)
	if err != nil {
		return err
	}
	s.reportf("%-5s x:%8.3f y:%8.3f z:%.5f", center.Name, 0.0, 0.0, cz)

	var full [numPoints]float64
	for _, idx := range surveyOrder {
		p := s.pts[idx]
		z, err := s.probePoint(p)
		if err != nil {
			return err
		}
		full[idx] = z
		s.reportf("%-5s x:%8.3f y:%8.3f z:%.5f", p.Name, p.X, p.Y, z)
	}
	for _, idx := range surveyOrder {
		p := half(s.pts[idx])
		z, err := s.probePoint(p)
		if err != nil {
			return err
		}
		s.reportf("%-5s x:%8.3f y:%8.3f z:%.5f", p.Name, p.X, p.Y, z)
	}

	if !actuators {
		return nil
	}
	// Carriage positions at the measured contacts, for fitting the
	// geometry offline.
	rows := []struct {
		p Point
		z float64
	}{{center, cz}}
	for _, idx := range surveyOrder {
		rows = append(rows, struct {
			p Point
			z float64
		}{s.pts[idx], full[idx]})
	}
	for _, r := range rows {
		act, err := s.e.geo.CartesianToActuator([3]float64{r.p.X, r.p.Y, bedht + r.z})
		if err != nil {
			return errors.Wrapf(err, "actuator position for %s", r.p.Name)
		}
		s.reportf("%-5s [%.5f, %.5f, %.5f]", r.p.Name, act[0], act[1], act[2])
	}
	return nil
}

// AssessConsistency probes the six calibration points repeatedly and
// reports the spread of the readings at each point. It changes no
// machine state and is the way to judge probe repeatability before
// trusting a calibration. The worst standard deviation comes back in
// the result.
func (e *Engine) AssessConsistency(rep Reporter, opts Options) (Result, error) {
	if err := e.acquire("consistency"); err != nil {
		return Result{}, err
	}
	defer e.release()
	logrus.Debugf("calibration: consistency assessment starting, %d samples", opts.Samples)
	s := e.newSession(rep, opts)
	return s.assessConsistency(opts.Samples)
}

func (s *session) assessConsistency(samples int) (Result, error) {
	if samples <= 0 || samples >= maxSamples {
		samples = defaultSamples
	}
	s.reportf("Starting consistency assessment: %d samples", samples)

	bedht, err := s.findBed()
	if err != nil {
		return s.result(false, 0, 0), err
	}
	s.reportf("Bed height %.3f mm", bedht)

	var readings [numPoints][]float64
	for i := range readings {
		readings[i] = make([]float64, 0, samples)
	}
	for n := 0; n < samples; n++ {
		for _, idx := range surveyOrder {
			z, err := s.probePoint(s.pts[idx])
			if err != nil {
				return s.result(false, n, 0), err
			}
			readings[idx] = append(readings[idx], z)
		}
	}

	var worst float64
	for _, idx := range surveyOrder {
		xs := readings[idx]
		sort.Float64s(xs)
		mean := stat.Mean(xs, nil)
		var dev float64
		if len(xs) > 1 {
			dev = stat.StdDev(xs, nil)
		}
		median := stat.Quantile(0.5, stat.Empirical, xs, nil)
		spread := xs[len(xs)-1] - xs[0]
		if dev > worst {
			worst = dev
		}
		s.reportf("%-3s samples:%d mean:%.5f median:%.5f range:%.5f stddev:%.5f",
			s.pts[idx].Name, len(xs), mean, median, spread, dev)
	}
	return Result{Converged: true, Iterations: samples, Probes: s.probes, Deviation: worst}, nil
}
