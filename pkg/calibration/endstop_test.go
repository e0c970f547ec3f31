package calibration

import (
	"math"
	"strings"
	"testing"

	"deltacal/pkg/kinematics"
)

func TestCalibrateEndstopsLevels(t *testing.T) {
	endstopErr := [3]float64{0.1, -0.05, 0}
	r := newRig(t, kinematics.DeltaConfig{}, endstopErr)

	res, err := r.engine.CalibrateEndstops(r, Options{})
	if err != nil {
		t.Fatalf("CalibrateEndstops() error = %v\n%s", err, r.output())
	}
	if !res.Converged {
		t.Fatalf("Converged = false, deviation %v\n%s", res.Deviation, r.output())
	}
	if res.Deviation > 0.03 {
		t.Errorf("Deviation = %v, want <= 0.03", res.Deviation)
	}
	if res.Iterations < 1 {
		t.Errorf("Iterations = %d, want at least 1", res.Iterations)
	}

	// The trims must cancel the endstop errors up to a common offset.
	trims, err := r.sim.Trims()
	if err != nil {
		t.Fatalf("Trims() error = %v", err)
	}
	var eff [3]float64
	for i := range eff {
		eff[i] = trims[i] + endstopErr[i]
	}
	lo, hi := minMax3(eff)
	if hi-lo > 0.08 {
		t.Errorf("effective endstop spread = %v, want <= 0.08 (trims %v)", hi-lo, trims)
	}
}

func TestCalibrateEndstopsAlreadyLevel(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	res, err := r.engine.CalibrateEndstops(r, Options{})
	if err != nil {
		t.Fatalf("CalibrateEndstops() error = %v", err)
	}
	if !res.Converged {
		t.Fatalf("Converged = false, deviation %v\n%s", res.Deviation, r.output())
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
	if !strings.Contains(r.output(), "already set") {
		t.Errorf("output missing early exit notice:\n%s", r.output())
	}
}

func TestCalibrateEndstopsKeep(t *testing.T) {
	endstopErr := [3]float64{0.08, 0, 0.02}
	r := newRig(t, kinematics.DeltaConfig{}, endstopErr)
	preset := [3]float64{-0.08, 0, -0.02}
	if err := r.sim.SetTrims(preset); err != nil {
		t.Fatalf("SetTrims() error = %v", err)
	}

	res, err := r.engine.CalibrateEndstops(r, Options{Keep: true})
	if err != nil {
		t.Fatalf("CalibrateEndstops() error = %v", err)
	}
	if !res.Converged {
		t.Fatalf("Converged = false\n%s", r.output())
	}
	if !strings.Contains(r.output(), "Current trim") {
		t.Errorf("output missing kept trim notice:\n%s", r.output())
	}
	// The preset trims already cancel the errors, so no pass is needed.
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
	trims, err := r.sim.Trims()
	if err != nil {
		t.Fatalf("Trims() error = %v", err)
	}
	for i := range trims {
		if math.Abs(trims[i]-preset[i]) > 1e-9 {
			t.Errorf("trims[%d] = %v, want preserved %v", i, trims[i], preset[i])
		}
	}
}

func TestCalibrateEndstopsResetsTrims(t *testing.T) {
	r := newRig(t, kinematics.DeltaConfig{}, [3]float64{})
	if err := r.sim.SetTrims([3]float64{-0.4, -0.2, -0.3}); err != nil {
		t.Fatalf("SetTrims() error = %v", err)
	}

	res, err := r.engine.CalibrateEndstops(r, Options{})
	if err != nil {
		t.Fatalf("CalibrateEndstops() error = %v", err)
	}
	if !res.Converged {
		t.Fatalf("Converged = false\n%s", r.output())
	}
	// Without Keep the stale trims are zeroed first; on a perfect
	// machine they stay near zero.
	trims, err := r.sim.Trims()
	if err != nil {
		t.Fatalf("Trims() error = %v", err)
	}
	for i := range trims {
		if math.Abs(trims[i]) > 0.05 {
			t.Errorf("trims[%d] = %v, want near zero", i, trims[i])
		}
	}
}
