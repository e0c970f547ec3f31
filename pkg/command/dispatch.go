package command

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/calibration"
	"deltacal/pkg/config"
	"deltacal/pkg/kinematics"
	"deltacal/pkg/metrics"
	"deltacal/pkg/motion"
	"deltacal/pkg/probe"
)

// Config wires a dispatcher. Port, Runner, Sensor, Engine, Geometry
// and Trims are required; Store and Metrics are optional.
type Config struct {
	Port     motion.Port
	Runner   *probe.Runner
	Sensor   probe.Sensor // raw sensor, reported undebounced by M119
	Engine   *calibration.Engine
	Geometry calibration.Geometry
	Trims    calibration.TrimStore

	// Store receives trims and corrections on M500.
	Store *config.Autosave

	// Metrics records command and routine outcomes when present.
	Metrics *metrics.CalibrationMetrics
}

// Dispatcher executes console commands against the machine.
type Dispatcher struct {
	port    motion.Port
	runner  *probe.Runner
	sensor  probe.Sensor
	engine  *calibration.Engine
	geo     calibration.Geometry
	trims   calibration.TrimStore
	store   *config.Autosave
	metrics *metrics.CalibrationMetrics
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Port == nil || cfg.Runner == nil || cfg.Sensor == nil {
		return nil, errors.New("command: port, runner and sensor are required")
	}
	if cfg.Engine == nil || cfg.Geometry == nil || cfg.Trims == nil {
		return nil, errors.New("command: engine, geometry and trim store are required")
	}
	return &Dispatcher{
		port:    cfg.Port,
		runner:  cfg.Runner,
		sensor:  cfg.Sensor,
		engine:  cfg.Engine,
		geo:     cfg.Geometry,
		trims:   cfg.Trims,
		store:   cfg.Store,
		metrics: cfg.Metrics,
	}, nil
}

// Execute parses one console line and runs it. Output lines go to the
// reporter; the returned error classifies the failure for the caller
// and is already reported to the user. Unknown commands are ignored.
func (d *Dispatcher) Execute(line string, rep calibration.Reporter) error {
	cmd := Parse(line)
	if cmd == nil {
		return nil
	}
	if rep == nil {
		rep = calibration.ReporterFunc(func(string, ...interface{}) {})
	}

	start := time.Now()
	err := d.run(cmd, rep)
	if d.metrics != nil {
		d.metrics.RecordCommand(cmd.Name, time.Since(start))
		if err != nil {
			d.metrics.RecordError(errorKind(err))
		}
	}
	return err
}

func (d *Dispatcher) run(cmd *Command, rep calibration.Reporter) error {
	switch cmd.Name {
	case "G28":
		return d.home()
	case "G30":
		return d.simpleProbe(cmd, rep)
	case "G32":
		return d.calibrate(cmd, rep)
	case "M119":
		return d.reportSensor(rep)
	case "M500":
		return d.saveSettings(rep)
	case "M665":
		return d.deltaSettings(cmd, rep)
	case "M666":
		return d.trimSettings(cmd, rep)
	default:
		logrus.Debugf("command: ignoring %s", cmd.Name)
		return nil
	}
}

// errorKind labels a command failure for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, probe.ErrPreTriggered):
		return "pre_triggered"
	case errors.Is(err, probe.ErrNoContact):
		return "no_contact"
	case errors.Is(err, kinematics.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, calibration.ErrRunaway):
		return "runaway"
	case errors.Is(err, calibration.ErrNotDelta):
		return "not_delta"
	case errors.Is(err, calibration.ErrBusy):
		return "busy"
	default:
		return "internal"
	}
}

// home handles G28. The probe state is deliberately not checked:
// homing moves away from the bed and is the way out of a stuck
// trigger.
func (d *Dispatcher) home() error {
	if err := d.port.WaitIdle(); err != nil {
		return errors.Wrap(err, "G28")
	}
	if err := d.port.Home(); err != nil {
		return errors.Wrap(err, "G28")
	}
	return errors.Wrap(d.port.WaitIdle(), "G28")
}

// checkReady drains the queue and verifies the probe is not already
// triggered before any motion is issued.
func (d *Dispatcher) checkReady(rep calibration.Reporter) error {
	if err := d.port.WaitIdle(); err != nil {
		return err
	}
	if err := d.runner.CheckReady(); err != nil {
		if errors.Is(err, probe.ErrPreTriggered) {
			rep.Printf("Probe triggered before move, aborting command")
		}
		return err
	}
	return nil
}

// simpleProbe handles G30: one slow probe, reported in mm and steps.
// With a Z argument the probed position becomes the given Z coordinate
// and the effector stays down; without it the probe returns to where
// it started.
func (d *Dispatcher) simpleProbe(cmd *Command, rep calibration.Reporter) error {
	if err := d.checkReady(rep); err != nil {
		return errors.Wrap(err, "G30")
	}

	res, err := d.runner.RunProbe(false)
	if err != nil {
		return errors.Wrap(err, "G30")
	}
	if !res.Triggered {
		rep.Printf("Probe not triggered")
		return errors.Wrap(probe.ErrNoContact, "G30")
	}

	steps := res.Steps[motion.AxisZ]
	rep.Printf("Z:%1.4f C:%d", float64(steps)/d.port.StepsPerMM(), steps)

	if cmd.Has("Z") {
		return d.port.SetZ(cmd.Float("Z", 0))
	}
	return d.runner.ReturnProbe(res.Steps)
}

// calibrate handles the G32 family. Exactly one of the routine flags
// runs first: T full geometry, A/B/C tower radius, X/Y/Z tower angle,
// P consistency, E endstops. R (radius) and Q (bed survey) then run
// independently, so G32 R Q does both in sequence.
func (d *Dispatcher) calibrate(cmd *Command, rep calibration.Reporter) error {
	if d.geo.GetType() != "delta" {
		rep.Printf("Not supported yet")
		return errors.Wrap(calibration.ErrNotDelta, "G32")
	}
	if err := d.checkReady(rep); err != nil {
		return errors.Wrap(err, "G32")
	}

	opts := calibration.Options{
		Target: cmd.Float("I", 0),
		Radius: cmd.Float("J", 0),
		Keep:   cmd.Has("K"),
	}

	run := func(name string, routine func() (calibration.Result, error)) error {
		start := time.Now()
		res, err := routine()
		if err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.RecordRoutine(name, res.Converged, res.Iterations, res.Probes, res.Deviation, time.Since(start))
		}
		return nil
	}

	var err error
	switch {
	case cmd.Has("T"):
		err = run("geometry", func() (calibration.Result, error) {
			return d.engine.CalibrateGeometry(rep, opts)
		})
	case cmd.Has("A"), cmd.Has("B"), cmd.Has("C"):
		tower := towerOf(cmd, [3]string{"A", "B", "C"})
		err = run("tower_radius", func() (calibration.Result, error) {
			return d.engine.FixTowerRadius(rep, tower, opts)
		})
	case cmd.Has("X"), cmd.Has("Y"), cmd.Has("Z"):
		tower := towerOf(cmd, [3]string{"X", "Y", "Z"})
		err = run("tower_angle", func() (calibration.Result, error) {
			return d.engine.FixTowerAngle(rep, tower, opts)
		})
	case cmd.Has("P"):
		opts.Samples = cmd.Int("P", 0)
		err = run("consistency", func() (calibration.Result, error) {
			return d.engine.AssessConsistency(rep, opts)
		})
	case cmd.Has("E"):
		err = run("endstops", func() (calibration.Result, error) {
			return d.engine.CalibrateEndstops(rep, opts)
		})
	}
	if err != nil {
		return d.calibrationFailed(rep, err)
	}

	if cmd.Has("R") {
		err = run("radius", func() (calibration.Result, error) {
			return d.engine.CalibrateRadius(rep, opts)
		})
		if err != nil {
			return d.calibrationFailed(rep, err)
		}
	}
	if cmd.Has("Q") {
		err = run("bed_survey", func() (calibration.Result, error) {
			return d.engine.AssessBed(rep, opts)
		})
		if err != nil {
			return d.calibrationFailed(rep, err)
		}
	}

	rep.Printf("Calibration complete, save settings with M500")
	return nil
}

// towerOf maps the first present flag to its tower index.
func towerOf(cmd *Command, letters [3]string) int {
	for i, l := range letters {
		if cmd.Has(l) {
			return i
		}
	}
	return 0
}

// calibrationFailed reports the outcome line of a failed G32 and
// passes the cause through. Probe failures keep their traditional
// wording; other kinds have already reported their own abort line.
func (d *Dispatcher) calibrationFailed(rep calibration.Reporter, err error) error {
	if errors.Is(err, probe.ErrNoContact) || errors.Is(err, probe.ErrPreTriggered) {
		rep.Printf("Calibration failed to complete, probe not triggered")
	} else {
		rep.Printf("Calibration failed to complete")
	}
	return errors.Wrap(err, "G32")
}

// reportSensor handles M119 with the raw, undebounced sensor reading.
func (d *Dispatcher) reportSensor(rep calibration.Reporter) error {
	triggered, err := d.sensor.Triggered()
	if err != nil {
		return errors.Wrap(err, "M119")
	}
	state := 0
	if triggered {
		state = 1
	}
	rep.Printf("Probe: %d", state)
	return nil
}

// saveSettings handles M500: trims and the corrections snapshot go to
// the autosave section of the machine configuration.
func (d *Dispatcher) saveSettings(rep calibration.Reporter) error {
	if d.store == nil {
		rep.Printf("No configuration store, settings not saved")
		return nil
	}

	trims, err := d.trims.Trims()
	if err != nil {
		return errors.Wrap(err, "M500")
	}
	c := d.geo.Corrections()

	d.store.SetFloat("delta", "radius", c.Radius)
	d.store.SetFloat("delta", "arm_length", c.ArmLength)
	for i, t := range [3]string{"a", "b", "c"} {
		d.store.SetFloat("delta", "tower_"+t+"_radius_offset", c.RadiusOffset[i])
		d.store.SetFloat("delta", "tower_"+t+"_angle_offset", c.AngleOffset[i])
	}
	for i, axis := range [3]string{"x", "y", "z"} {
		d.store.SetFloat("endstops", "trim_"+axis, trims[i])
	}

	if err := d.store.Save(); err != nil {
		return errors.Wrap(err, "M500")
	}
	rep.Printf("Settings saved to %s", d.store.Path())
	return nil
}

// deltaSettings handles M665: get or set arm length (L) and delta
// radius (R).
func (d *Dispatcher) deltaSettings(cmd *Command, rep calibration.Reporter) error {
	if d.geo.GetType() != "delta" {
		rep.Printf("Not supported yet")
		return errors.Wrap(calibration.ErrNotDelta, "M665")
	}
	c := d.geo.Corrections()
	if cmd.Has("L") || cmd.Has("R") {
		c.ArmLength = cmd.Float("L", c.ArmLength)
		c.Radius = cmd.Float("R", c.Radius)
		if err := d.geo.SetCorrections(c); err != nil {
			return errors.Wrap(err, "M665")
		}
		c = d.geo.Corrections()
	}
	rep.Printf("L:%1.4f R:%1.4f", c.ArmLength, c.Radius)
	return nil
}

// trimSettings handles M666: get or set the per-axis endstop trims.
func (d *Dispatcher) trimSettings(cmd *Command, rep calibration.Reporter) error {
	trims, err := d.trims.Trims()
	if err != nil {
		return errors.Wrap(err, "M666")
	}
	if cmd.Has("X") || cmd.Has("Y") || cmd.Has("Z") {
		trims[0] = cmd.Float("X", trims[0])
		trims[1] = cmd.Float("Y", trims[1])
		trims[2] = cmd.Float("Z", trims[2])
		if err := d.trims.SetTrims(trims); err != nil {
			return errors.Wrap(err, "M666")
		}
	}
	rep.Printf("X:%1.4f Y:%1.4f Z:%1.4f", trims[0], trims[1], trims[2])
	return nil
}
