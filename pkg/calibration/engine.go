// Package calibration implements probe driven self calibration for
// delta machines: endstop trims, delta radius, tower radius and tower
// angle corrections, plus bed survey and repeatability assessments.
//
// The routines drive a motion.Port and a probe.Runner against a
// kinematic model, adjusting the model until probe readings agree
// across the bed. Everything is written against interfaces, so the
// same code runs on real hardware and on the motion simulator.
package calibration

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"deltacal/pkg/kinematics"
	"deltacal/pkg/motion"
	"deltacal/pkg/probe"
)

// Failure modes callers may test for with errors.Is.
var (
	// ErrBusy means another calibration routine is already running.
	ErrBusy = errors.New("calibration already in progress")

	// ErrNotDelta means the kinematic model is not one these routines
	// can calibrate.
	ErrNotDelta = errors.New("not a delta kinematic model")

	// ErrRunaway means a correction kept growing without converging
	// and was aborted before leaving the safe range.
	ErrRunaway = errors.New("correction out of safe range")
)

// Geometry is the model side of a calibration loop.
type Geometry interface {
	GetType() string
	Corrections() kinematics.Corrections
	SetCorrections(kinematics.Corrections) error
	CartesianToActuator(pos [3]float64) ([3]float64, error)
}

// TrimStore reads and writes the endstop trims applied at homing.
type TrimStore interface {
	Trims() ([3]float64, error)
	SetTrims(trims [3]float64) error
}

// Reporter receives progress lines from a running routine. Each call
// is one line, without a trailing newline.
type Reporter interface {
	Printf(format string, args ...interface{})
}

// ReporterFunc adapts a plain function to the Reporter interface.
type ReporterFunc func(format string, args ...interface{})

// Printf implements Reporter.
func (f ReporterFunc) Printf(format string, args ...interface{}) { f(format, args...) }

// Config holds the machine constants the routines share.
type Config struct {
	ProbeHeight float64 // travel height above the bed between probes, mm
	Radius      float64 // default probe circle radius, mm
	Target      float64 // default convergence target, mm
}

// Options tunes a single run. Zero values fall back to the engine
// defaults.
type Options struct {
	Target  float64 // convergence target, mm
	Radius  float64 // probe circle radius, mm
	Keep    bool    // start from the stored trims instead of zeroing them
	Samples int     // repeatability sample count
}

// Result summarizes a finished routine.
type Result struct {
	Converged  bool    // the routine met its target
	Iterations int     // correction passes used
	Probes     int     // probe touches used, including bed height checks
	Deviation  float64 // remaining error at the last pass, mm
}

const (
	defaultProbeHeight = 5.0
	defaultTarget      = 0.03

	trimScale  = 1.1261 // endstop correction gain, empirically determined
	radiusGain = 2.5    // delta radius change per mm of center offset

	maxTrimPasses     = 30
	maxRadiusPasses   = 20
	maxGeometryPasses = 20
	maxFixPasses      = 50

	// Largest cumulative tower radius change accepted before the
	// correction is declared runaway.
	towerRadiusLimit = 10.0
)

// Engine owns the machine handles and serializes the routines. A
// routine started while another runs fails with ErrBusy.
type Engine struct {
	port   motion.Port
	runner *probe.Runner
	geo    Geometry
	trims  TrimStore
	cfg    Config

	busy    atomic.Bool
	routine atomic.Value // string, name of the running routine
	probes  atomic.Int64
}

// New wires a calibration engine.
func New(port motion.Port, runner *probe.Runner, geo Geometry, trims TrimStore, cfg Config) (*Engine, error) {
	if port == nil {
		return nil, errors.New("calibration: port is required")
	}
	if runner == nil {
		return nil, errors.New("calibration: probe runner is required")
	}
	if geo == nil {
		return nil, errors.New("calibration: geometry is required")
	}
	if trims == nil {
		return nil, errors.New("calibration: trim store is required")
	}
	if cfg.Radius <= 0 {
		return nil, errors.New("calibration: probe radius must be positive")
	}
	if cfg.ProbeHeight <= 0 {
		cfg.ProbeHeight = defaultProbeHeight
	}
	if cfg.Target <= 0 {
		cfg.Target = defaultTarget
	}
	return &Engine{port: port, runner: runner, geo: geo, trims: trims, cfg: cfg}, nil
}

// Busy reports whether a routine is currently running.
func (e *Engine) Busy() bool { return e.busy.Load() }

// ProbeCount returns the number of probe touches since construction.
func (e *Engine) ProbeCount() int64 { return e.probes.Load() }

// Status is a snapshot of the engine for reporting.
type Status struct {
	Busy    bool
	Routine string
	Probes  int64
}

// GetStatus returns the current status. Routine is empty when idle.
func (e *Engine) GetStatus() Status {
	s := Status{Busy: e.busy.Load(), Probes: e.probes.Load()}
	if name, ok := e.routine.Load().(string); ok && s.Busy {
		s.Routine = name
	}
	return s
}

func (e *Engine) acquire(name string) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	e.routine.Store(name)
	return nil
}

func (e *Engine) release() { e.busy.Store(false) }

// session carries the state of one run: the output stream, the
// resolved options and the probe locations for the chosen radius.
type session struct {
	e      *Engine
	rep    Reporter
	target float64
	radius float64
	pts    [numPoints]Point
	probes int
}

func (e *Engine) newSession(rep Reporter, opts Options) *session {
	s := &session{e: e, rep: rep, target: opts.Target, radius: opts.Radius}
	if s.target <= 0 {
		s.target = e.cfg.Target
	}
	if s.radius <= 0 {
		s.radius = e.cfg.Radius
	}
	s.pts = Points(s.radius)
	return s
}

func (s *session) reportf(format string, args ...interface{}) {
	if s.rep != nil {
		s.rep.Printf(format, args...)
	}
}

func (s *session) result(converged bool, iterations int, deviation float64) Result {
	return Result{Converged: converged, Iterations: iterations, Probes: s.probes, Deviation: deviation}
}

// probePoint probes one location and returns the descent from the
// travel height to contact, in millimeters.
func (s *session) probePoint(p Point) (float64, error) {
	res, err := s.e.runner.ProbeAtPoint(p.X, p.Y)
	if err != nil {
		return 0, errors.Wrapf(err, "probe %s", p.Name)
	}
	if !res.Triggered {
		return 0, errors.Wrapf(probe.ErrNoContact, "probe %s", p.Name)
	}
	s.probes++
	s.e.probes.Add(1)
	return float64(res.Steps[motion.AxisZ]) / s.e.port.StepsPerMM(), nil
}

// findBed homes, measures the bed distance with a fast probe and parks
// the effector at the travel height above the bed. It returns the
// depth of the park position below home.
func (s *session) findBed() (float64, error) {
	if err := s.e.port.Home(); err != nil {
		return 0, err
	}
	res, err := s.e.runner.RunProbe(true)
	if err != nil {
		return 0, errors.Wrap(err, "find bed")
	}
	if !res.Triggered {
		return 0, errors.Wrap(probe.ErrNoContact, "find bed")
	}
	s.probes++
	s.e.probes.Add(1)
	bedht := float64(res.Steps[motion.AxisZ])/s.e.port.StepsPerMM() - s.e.cfg.ProbeHeight
	if err := s.e.port.Home(); err != nil {
		return 0, err
	}
	if err := s.e.port.MoveZ(-bedht, s.e.runner.FastFeedrate()); err != nil {
		return 0, err
	}
	return bedht, nil
}

// reposition homes and returns the effector to the travel height for a
// bed depth measured earlier.
func (s *session) reposition(bedht float64) error {
	if err := s.e.port.Home(); err != nil {
		return err
	}
	return s.e.port.MoveZ(-bedht, s.e.runner.FastFeedrate())
}

// probeTowers probes under towers A, B and C in that order.
func (s *session) probeTowers() ([3]float64, error) {
	var z [3]float64
	for i := 0; i < 3; i++ {
		v, err := s.probePoint(s.pts[i])
		if err != nil {
			return z, err
		}
		z[i] = v
	}
	return z, nil
}

// probeSurvey probes all six calibration points in survey order and
// returns the readings indexed by point.
func (s *session) probeSurvey() ([numPoints]float64, error) {
	var z [numPoints]float64
	for _, idx := range surveyOrder {
		v, err := s.probePoint(s.pts[idx])
		if err != nil {
			return z, err
		}
		z[idx] = v
	}
	return z, nil
}
