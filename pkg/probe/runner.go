package probe

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/motion"
)

// DefaultProbeRange bounds the descent of a single probe cycle in mm.
const DefaultProbeRange = 1000.0

// Config holds the probing parameters.
type Config struct {
	SlowFeedrate  float64 // mm/s, used for measuring descents
	FastFeedrate  float64 // mm/s, used for positioning and returns
	DebounceCount int     // extra consecutive confirmed readings required
	Delta         bool    // move all three actuators during a probe
	ProbeRange    float64 // max descent in mm, 0 selects DefaultProbeRange

	// Yield is called once per poll iteration while waiting for the
	// sensor, so the surrounding runtime can service other work. Nil
	// selects runtime.Gosched.
	Yield func()
}

// Result reports one probe cycle. Steps holds the displacement of each
// axis at the moment of trigger, positive meaning descent.
type Result struct {
	Triggered bool
	Steps     [3]int64
}

// Runner drives probe cycles against a motion port and a touch sensor.
type Runner struct {
	port   motion.Port
	sensor Sensor
	cfg    Config
}

// NewRunner creates a probe runner.
func NewRunner(port motion.Port, sensor Sensor, cfg Config) (*Runner, error) {
	if port == nil || sensor == nil {
		return nil, errors.New("probe: port and sensor are required")
	}
	if cfg.SlowFeedrate <= 0 || cfg.FastFeedrate <= 0 {
		return nil, errors.New("probe: feedrates must be positive")
	}
	if cfg.DebounceCount < 0 {
		return nil, errors.New("probe: debounce count must not be negative")
	}
	if cfg.ProbeRange == 0 {
		cfg.ProbeRange = DefaultProbeRange
	}
	if cfg.Yield == nil {
		cfg.Yield = runtime.Gosched
	}
	return &Runner{port: port, sensor: sensor, cfg: cfg}, nil
}

// SlowFeedrate returns the configured measuring feedrate.
func (r *Runner) SlowFeedrate() float64 { return r.cfg.SlowFeedrate }

// FastFeedrate returns the configured positioning feedrate.
func (r *Runner) FastFeedrate() float64 { return r.cfg.FastFeedrate }

// CheckReady verifies the sensor is not already triggered.
func (r *Runner) CheckReady() error {
	triggered, err := r.sensor.Triggered()
	if err != nil {
		return errors.Wrap(err, "probe sensor")
	}
	if triggered {
		return ErrPreTriggered
	}
	return nil
}

// RunProbe descends until the sensor confirms contact, stops all moving
// axes and records their displacement. On a delta all three actuators
// descend together since a pure-Z cartesian move drives all of them.
// Running out of travel without a trigger is reported as an untriggered
// Result, not an error.
func (r *Runner) RunProbe(fast bool) (Result, error) {
	if err := r.CheckReady(); err != nil {
		return Result{}, err
	}

	feedrate := r.cfg.SlowFeedrate
	if fast {
		feedrate = r.cfg.FastFeedrate
	}
	maxSteps := int64(r.cfg.ProbeRange * r.port.StepsPerMM())

	axes := []int{motion.AxisZ}
	if r.cfg.Delta {
		axes = []int{motion.AxisX, motion.AxisY, motion.AxisZ}
	}
	for _, axis := range axes {
		if err := r.port.StartSteps(axis, -maxSteps, feedrate, true); err != nil {
			r.port.StopAll()
			return Result{}, errors.Wrapf(err, "start probe on axis %d", axis)
		}
	}

	debounce := 0
	for r.port.AnyMoving() {
		triggered, err := r.sensor.Triggered()
		if err != nil {
			r.port.StopAll()
			r.port.WaitIdle()
			return Result{}, errors.Wrap(err, "probe sensor")
		}
		if triggered {
			if debounce < r.cfg.DebounceCount {
				debounce++
				r.cfg.Yield()
				continue
			}
			r.port.StopAll()
			if err := r.port.WaitIdle(); err != nil {
				return Result{}, err
			}
			result := Result{Triggered: true}
			for _, axis := range axes {
				result.Steps[axis] = -r.port.Stepped(axis)
			}
			logrus.Debugf("probe triggered at %d steps", result.Steps[motion.AxisZ])
			return result, nil
		}
		debounce = 0
		r.cfg.Yield()
	}

	logrus.Debug("probe ran out of travel without trigger")
	return Result{}, nil
}

// ReturnProbe replays the negated probe displacement at the fast
// feedrate, restoring the position held before RunProbe.
func (r *Runner) ReturnProbe(steps [3]int64) error {
	for axis, n := range steps {
		if n == 0 {
			continue
		}
		if err := r.port.StartSteps(axis, n, r.cfg.FastFeedrate, false); err != nil {
			r.port.StopAll()
			return errors.Wrapf(err, "return probe on axis %d", axis)
		}
	}
	return r.port.WaitIdle()
}

// ProbeAtPoint moves to (x, y), runs a slow probe and returns to the
// starting height. The machine ends at the same position it was called
// from. An untriggered probe is passed through in the Result.
func (r *Runner) ProbeAtPoint(x, y float64) (Result, error) {
	if err := r.port.MoveTo(x, y, r.cfg.FastFeedrate); err != nil {
		return Result{}, err
	}
	result, err := r.RunProbe(false)
	if err != nil {
		return Result{}, err
	}
	if !result.Triggered {
		return result, nil
	}
	if err := r.ReturnProbe(result.Steps); err != nil {
		return Result{}, err
	}
	return result, nil
}
