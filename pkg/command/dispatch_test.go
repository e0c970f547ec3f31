package command

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"deltacal/pkg/calibration"
	"deltacal/pkg/config"
	"deltacal/pkg/kinematics"
	"deltacal/pkg/metrics"
	"deltacal/pkg/motion"
	"deltacal/pkg/probe"
)

const (
	testArm    = 150.0
	testRadius = 80.0
	testHeight = 150.0
	testProbeR = 50.0
)

// rig assembles a dispatcher over the virtual time simulator. It
// doubles as the reporter, collecting output lines.
type rig struct {
	sim   *motion.Sim
	model *kinematics.Delta
	disp  *Dispatcher
	met   *metrics.CalibrationMetrics
	lines []string
}

func (r *rig) Printf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *rig) output() string { return strings.Join(r.lines, "\n") }

func (r *rig) run(t *testing.T, line string) {
	t.Helper()
	if err := r.disp.Execute(line, r); err != nil {
		t.Fatalf("Execute(%q) error = %v", line, err)
	}
}

func newRig(t *testing.T, truth kinematics.DeltaConfig, endstopErr [3]float64) *rig {
	t.Helper()
	return buildRig(t, truth, endstopErr, nil, nil)
}

func buildRig(t *testing.T, truth kinematics.DeltaConfig, endstopErr [3]float64, sensor probe.Sensor, store *config.Autosave) *rig {
	t.Helper()
	model, err := kinematics.NewDelta(kinematics.DeltaConfig{ArmLength: testArm, Radius: testRadius})
	if err != nil {
		t.Fatalf("NewDelta() error = %v", err)
	}
	sim, err := motion.NewSim(motion.SimConfig{
		Model:        model,
		StepsPerMM:   100,
		Height:       testHeight,
		Acceleration: 500,
		TickHz:       200,
		TrueGeometry: truth,
		EndstopError: endstopErr,
		Virtual:      true,
	})
	if err != nil {
		t.Fatalf("NewSim() error = %v", err)
	}
	if sensor == nil {
		sensor = probe.SensorFunc(sim.Contact)
	}
	runner, err := probe.NewRunner(sim, sensor, probe.Config{
		SlowFeedrate: 2,
		FastFeedrate: 50,
		Delta:        true,
		Yield:        sim.Step,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	eng, err := calibration.New(sim, runner, model, sim, calibration.Config{ProbeHeight: 5, Radius: testProbeR, Target: 0.03})
	if err != nil {
		t.Fatalf("calibration.New() error = %v", err)
	}
	met := metrics.NewCalibrationMetrics()
	disp, err := New(Config{
		Port:     sim,
		Runner:   runner,
		Sensor:   sensor,
		Engine:   eng,
		Geometry: model,
		Trims:    sim,
		Store:    store,
		Metrics:  met,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &rig{sim: sim, model: model, disp: disp, met: met}
}

// fakeGeo is a non-delta geometry for type checks.
type fakeGeo struct{ kind string }

func (f fakeGeo) GetType() string                             { return f.kind }
func (f fakeGeo) Corrections() kinematics.Corrections         { return kinematics.Corrections{} }
func (f fakeGeo) SetCorrections(kinematics.Corrections) error { return nil }
func (f fakeGeo) CartesianToActuator([3]float64) ([3]float64, error) {
	return [3]float64{}, nil
}

func TestHome(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})

	r.run(t, "G28")

	if homed := r.sim.Status()["homed"].(bool); !homed {
		t.Error("machine not homed after G28")
	}
	if len(r.lines) != 0 {
		t.Errorf("G28 produced output: %q", r.lines)
	}
}

func TestSimpleProbe(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	if err := r.sim.Home(); err != nil {
		t.Fatalf("Home() error = %v", err)
	}

	r.run(t, "G30")

	if len(r.lines) != 1 {
		t.Fatalf("G30 produced %d lines, want 1: %q", len(r.lines), r.lines)
	}
	var z float64
	var steps int
	if _, err := fmt.Sscanf(r.lines[0], "Z:%f C:%d", &z, &steps); err != nil {
		t.Fatalf("G30 report %q does not match Z:<mm> C:<steps>: %v", r.lines[0], err)
	}
	// Home is 150mm above the bed on the nominal machine.
	if z < 149 || z > 151 {
		t.Errorf("probed depth = %v, want about 150", z)
	}
	if math.Abs(float64(steps)/100-z) > 1e-3 {
		t.Errorf("steps %d disagree with depth %v at 100 steps/mm", steps, z)
	}
}

func TestSimpleProbeSetZ(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	if err := r.sim.Home(); err != nil {
		t.Fatalf("Home() error = %v", err)
	}

	r.run(t, "G30 Z5")

	pos := r.sim.Status()["position"].([3]float64)
	if math.Abs(pos[2]-5) > 1e-9 {
		t.Errorf("Z after G30 Z5 = %v, want 5 (probe stays down, frame shifts)", pos[2])
	}
}

func TestSimpleProbeNoContact(t *testing.T) {
	dead := probe.SensorFunc(func() (bool, error) { return false, nil })
	r := buildRig(t, kinematics.DeltaConfig{}, [3]float64{}, dead, nil)
	if err := r.sim.Home(); err != nil {
		t.Fatalf("Home() error = %v", err)
	}

	err := r.disp.Execute("G30", r)
	if !errors.Is(err, probe.ErrNoContact) {
		t.Fatalf("Execute(G30) error = %v, want ErrNoContact", err)
	}
	if !strings.Contains(r.output(), "Probe not triggered") {
		t.Errorf("output = %q, want probe not triggered report", r.output())
	}
}

func TestPreTriggeredAbortsWithoutMotion(t *testing.T) {
	stuck := probe.SensorFunc(func() (bool, error) { return true, nil })
	r := buildRig(t, kinematics.DeltaConfig{}, [3]float64{}, stuck, nil)

	for _, line := range []string{"G30", "G32 E"} {
		r.lines = nil
		err := r.disp.Execute(line, r)
		if !errors.Is(err, probe.ErrPreTriggered) {
			t.Fatalf("Execute(%q) error = %v, want ErrPreTriggered", line, err)
		}
		if !strings.Contains(r.output(), "Probe triggered before move, aborting command") {
			t.Errorf("Execute(%q) output = %q, want abort report", line, r.output())
		}
	}
	// No command may have issued motion: the machine was never homed.
	if homed := r.sim.Status()["homed"].(bool); homed {
		t.Error("machine was homed by an aborted command")
	}
}

func TestCalibrateEndstops(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{0.1, -0.05, 0.02})

	r.run(t, "G32 E")

	if last := r.lines[len(r.lines)-1]; last != "Calibration complete, save settings with M500" {
		t.Errorf("last line = %q, want completion report", last)
	}
	trims, err := r.sim.Trims()
	if err != nil {
		t.Fatalf("Trims() error = %v", err)
	}
	if trims == ([3]float64{}) {
		t.Error("trims still zero after endstop calibration")
	}

	text := r.met.Gather()
	if !strings.Contains(text, `deltacal_routine_runs_total{outcome="converged",routine="endstops"} 1`) {
		t.Errorf("metrics missing endstops routine run:\n%s", text)
	}
	if !strings.Contains(text, `deltacal_commands_total{command="G32"} 1`) {
		t.Errorf("metrics missing G32 command count:\n%s", text)
	}
}

func TestCalibrateChain(t *testing.T) {
	r := newRig(t, trueConfig(func(c *kinematics.DeltaConfig) { c.Radius = testRadius + 0.4 }), [3]float64{})

	r.run(t, "G32 E R")

	out := r.output()
	if !strings.Contains(out, "Calibration complete, save settings with M500") {
		t.Errorf("output missing completion report:\n%s", out)
	}
	// The radius routine must have run after the endstop routine.
	text := r.met.Gather()
	if !strings.Contains(text, `routine="endstops"`) || !strings.Contains(text, `routine="radius"`) {
		t.Errorf("metrics missing chained routines:\n%s", text)
	}
	if got := r.model.Corrections().Radius; math.Abs(got-(testRadius+0.4)) > 0.3 {
		t.Errorf("model radius = %v, want near %v", got, testRadius+0.4)
	}
}

func TestCalibrateNotDelta(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	disp, err := New(Config{
		Port:     r.sim,
		Runner:   r.disp.runner,
		Sensor:   r.disp.sensor,
		Engine:   r.disp.engine,
		Geometry: fakeGeo{kind: "corexy"},
		Trims:    r.sim,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, line := range []string{"G32 E", "M665"} {
		err = disp.Execute(line, r)
		if !errors.Is(err, calibration.ErrNotDelta) {
			t.Fatalf("Execute(%q) error = %v, want ErrNotDelta", line, err)
		}
		if !strings.Contains(r.output(), "Not supported yet") {
			t.Errorf("Execute(%q) output = %q, want not supported report", line, r.output())
		}
		r.lines = nil
	}
}

func TestCalibrateProbeFailure(t *testing.T) {
	dead := probe.SensorFunc(func() (bool, error) { return false, nil })
	r := buildRig(t, kinematics.DeltaConfig{}, [3]float64{}, dead, nil)

	err := r.disp.Execute("G32 E", r)
	if !errors.Is(err, probe.ErrNoContact) {
		t.Fatalf("Execute(G32 E) error = %v, want ErrNoContact", err)
	}
	if !strings.Contains(r.output(), "Calibration failed to complete, probe not triggered") {
		t.Errorf("output = %q, want failure report", r.output())
	}
	if !strings.Contains(r.met.Gather(), `deltacal_errors_total{kind="no_contact"} 1`) {
		t.Errorf("metrics missing no_contact error:\n%s", r.met.Gather())
	}
}

func TestReportSensor(t *testing.T) {
	state := false
	sensor := probe.SensorFunc(func() (bool, error) { return state, nil })
	r := buildRig(t, kinematics.DeltaConfig{}, [3]float64{}, sensor, nil)

	r.run(t, "M119")
	state = true
	r.run(t, "M119")

	if len(r.lines) != 2 || r.lines[0] != "Probe: 0" || r.lines[1] != "Probe: 1" {
		t.Errorf("M119 output = %q, want [Probe: 0, Probe: 1]", r.lines)
	}
}

func TestDeltaSettings(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})

	r.run(t, "M665")
	if r.lines[0] != "L:150.0000 R:80.0000" {
		t.Errorf("M665 report = %q, want current geometry", r.lines[0])
	}

	r.run(t, "M665 L250 R124")
	if last := r.lines[len(r.lines)-1]; last != "L:250.0000 R:124.0000" {
		t.Errorf("M665 set report = %q, want new geometry", last)
	}
	if c := r.model.Corrections(); c.ArmLength != 250 || c.Radius != 124 {
		t.Errorf("model corrections = %+v, want L250 R124", c)
	}
}

func TestDeltaSettingsRejected(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})

	if err := r.disp.Execute("M665 R-5", r); err == nil {
		t.Fatal("Execute(M665 R-5) error = nil, want rejection")
	}
	if c := r.model.Corrections(); c.Radius != testRadius {
		t.Errorf("model radius = %v after rejected set, want %v", c.Radius, testRadius)
	}
}

func TestTrimSettings(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})

	r.run(t, "M666")
	if r.lines[0] != "X:0.0000 Y:0.0000 Z:0.0000" {
		t.Errorf("M666 report = %q, want zero trims", r.lines[0])
	}

	r.run(t, "M666 X-0.12 Y0.05")
	if last := r.lines[len(r.lines)-1]; last != "X:-0.1200 Y:0.0500 Z:0.0000" {
		t.Errorf("M666 set report = %q", last)
	}
	trims, err := r.sim.Trims()
	if err != nil {
		t.Fatalf("Trims() error = %v", err)
	}
	if trims != ([3]float64{-0.12, 0.05, 0}) {
		t.Errorf("trims = %v, want [-0.12 0.05 0]", trims)
	}
}

func TestSaveSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.cfg")
	content := "[delta]\narm_length: 150\nradius: 80\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	store, err := config.LoadAutosave(path)
	if err != nil {
		t.Fatalf("LoadAutosave() error = %v", err)
	}
	r := buildRig(t, kinematics.DeltaConfig{}, [3]float64{}, nil, store)

	r.run(t, "M666 X-0.12")
	r.run(t, "M665 R82.5")
	r.run(t, "M500")

	if !strings.Contains(r.output(), "Settings saved to "+path) {
		t.Errorf("output = %q, want save report", r.output())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	saved := string(data)
	for _, want := range []string{
		"radius: 82.5000",
		"arm_length: 150.0000",
		"trim_x: -0.1200",
		"trim_z: 0.0000",
		"tower_a_radius_offset: 0.0000",
	} {
		if !strings.Contains(saved, want) {
			t.Errorf("saved config missing %q:\n%s", want, saved)
		}
	}
}

func TestSaveSettingsWithoutStore(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	r.disp.store = nil

	r.run(t, "M500")
	if !strings.Contains(r.output(), "settings not saved") {
		t.Errorf("output = %q, want not-saved report", r.output())
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})

	for _, line := range []string{"M999 X1", "G1 X10 Y10 F3000", "", "; a comment"} {
		if err := r.disp.Execute(line, r); err != nil {
			t.Errorf("Execute(%q) error = %v, want nil", line, err)
		}
	}
	if len(r.lines) != 0 {
		t.Errorf("unknown commands produced output: %q", r.lines)
	}
}

// trueConfig returns the nominal geometry with tweaks applied.
func trueConfig(mut func(*kinematics.DeltaConfig)) kinematics.DeltaConfig {
	cfg := kinematics.DeltaConfig{ArmLength: testArm, Radius: testRadius}
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}
