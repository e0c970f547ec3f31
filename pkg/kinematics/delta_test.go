package kinematics

import (
	"errors"
	"math"
	"testing"
)

func testConfig() DeltaConfig {
	return DeltaConfig{
		ArmLength: 250.0,
		Radius:    125.0,
	}
}

func TestNewDelta(t *testing.T) {
	d, err := NewDelta(testConfig())
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	if d.GetType() != "delta" {
		t.Errorf("GetType = %s, want delta", d.GetType())
	}

	c := d.Corrections()
	if c.Radius != 125.0 {
		t.Errorf("Radius = %f, want 125.0", c.Radius)
	}
	if c.ArmLength != 250.0 {
		t.Errorf("ArmLength = %f, want 250.0", c.ArmLength)
	}
	if c.RadiusOffset != ([3]float64{}) {
		t.Errorf("RadiusOffset = %v, want zeros", c.RadiusOffset)
	}

	// Default angles place tower C on the positive Y axis.
	if math.Abs(d.towers[TowerC][0]) > 1e-9 {
		t.Errorf("Tower C x = %f, want 0", d.towers[TowerC][0])
	}
	if math.Abs(d.towers[TowerC][1]-125.0) > 1e-9 {
		t.Errorf("Tower C y = %f, want 125", d.towers[TowerC][1])
	}
}

func TestNewDeltaValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  DeltaConfig
	}{
		{"zero radius", DeltaConfig{ArmLength: 250.0, Radius: 0.0}},
		{"negative radius", DeltaConfig{ArmLength: 250.0, Radius: -10.0}},
		{"arm shorter than radius", DeltaConfig{ArmLength: 100.0, Radius: 125.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDelta(tt.cfg); err == nil {
				t.Error("NewDelta should have failed")
			}
		})
	}
}

func TestCartesianToActuatorCenter(t *testing.T) {
	d, err := NewDelta(testConfig())
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	act, err := d.CartesianToActuator([3]float64{0, 0, 0})
	if err != nil {
		t.Fatalf("CartesianToActuator failed: %v", err)
	}

	// At the center every tower is exactly one radius away.
	want := math.Sqrt(250.0*250.0 - 125.0*125.0)
	for i, a := range act {
		if math.Abs(a-want) > 1e-9 {
			t.Errorf("actuator %s = %f, want %f", TowerName(i), a, want)
		}
	}

	// Raising Z raises every carriage by the same amount.
	act10, err := d.CartesianToActuator([3]float64{0, 0, 10.0})
	if err != nil {
		t.Fatalf("CartesianToActuator failed: %v", err)
	}
	for i := range act10 {
		if math.Abs(act10[i]-act[i]-10.0) > 1e-9 {
			t.Errorf("actuator %s moved %f for dz=10", TowerName(i), act10[i]-act[i])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	d, err := NewDelta(DeltaConfig{
		ArmLength:    250.0,
		Radius:       125.0,
		RadiusOffset: [3]float64{0.3, -0.2, 0.1},
		AngleOffset:  [3]float64{0.5, -0.25, 0.0},
	})
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	for _, x := range []float64{-80, -40, 0, 40, 80} {
		for _, y := range []float64{-80, -40, 0, 40, 80} {
			for _, z := range []float64{0, 5, 50} {
				pos := [3]float64{x, y, z}
				act, err := d.CartesianToActuator(pos)
				if err != nil {
					t.Fatalf("CartesianToActuator(%v) failed: %v", pos, err)
				}
				back := d.ActuatorToCartesian(act)
				for axis := 0; axis < 3; axis++ {
					if math.Abs(back[axis]-pos[axis]) > 1e-4 {
						t.Errorf("round trip %v -> %v, axis %d off by %g",
							pos, back, axis, back[axis]-pos[axis])
					}
				}
			}
		}
	}
}

func TestUnreachable(t *testing.T) {
	d, err := NewDelta(testConfig())
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	// Far outside the envelope.
	_, err = d.CartesianToActuator([3]float64{1000.0, 0, 0})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}

	// Exactly on the boundary: horizontal distance to tower A equals
	// the arm length, so the radicand is exactly zero.
	tower := d.towers[TowerA]
	boundary := [3]float64{tower[0] - 250.0, tower[1], 0}
	_, err = d.CartesianToActuator(boundary)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("boundary point should be unreachable, got %v", err)
	}

	act, err := d.CartesianToActuator([3]float64{1.0, 2.0, 3.0})
	if err != nil {
		t.Fatalf("reachable point failed: %v", err)
	}
	for i, a := range act {
		if math.IsNaN(a) {
			t.Errorf("actuator %s is NaN", TowerName(i))
		}
	}
}

func TestSetCorrections(t *testing.T) {
	d, err := NewDelta(testConfig())
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	before, err := d.CartesianToActuator([3]float64{30.0, 20.0, 0})
	if err != nil {
		t.Fatalf("CartesianToActuator failed: %v", err)
	}

	c := d.Corrections()
	c.Radius = 126.5
	c.RadiusOffset[TowerB] = 0.75
	c.AngleOffset[TowerA] = -0.5
	if err := d.SetCorrections(c); err != nil {
		t.Fatalf("SetCorrections failed: %v", err)
	}

	got := d.Corrections()
	if got.Radius != 126.5 {
		t.Errorf("Radius = %f, want 126.5", got.Radius)
	}
	if got.RadiusOffset[TowerB] != 0.75 {
		t.Errorf("RadiusOffset[B] = %f, want 0.75", got.RadiusOffset[TowerB])
	}
	if got.AngleOffset[TowerA] != -0.5 {
		t.Errorf("AngleOffset[A] = %f, want -0.5", got.AngleOffset[TowerA])
	}

	after, err := d.CartesianToActuator([3]float64{30.0, 20.0, 0})
	if err != nil {
		t.Fatalf("CartesianToActuator failed: %v", err)
	}
	if after == before {
		t.Error("corrections did not change the transform")
	}
}

func TestSetCorrectionsValidation(t *testing.T) {
	d, err := NewDelta(testConfig())
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}

	c := d.Corrections()
	c.Radius = -5.0
	if err := d.SetCorrections(c); err == nil {
		t.Error("negative radius should be rejected")
	}

	c = d.Corrections()
	c.ArmLength = 0.0
	if err := d.SetCorrections(c); err == nil {
		t.Error("zero arm length should be rejected")
	}

	// A rejected write must leave the model untouched.
	if got := d.Corrections().Radius; got != 125.0 {
		t.Errorf("Radius = %f after rejected write, want 125.0", got)
	}
}

func TestTowerName(t *testing.T) {
	tests := []struct {
		tower    int
		expected string
	}{
		{TowerA, "A"},
		{TowerB, "B"},
		{TowerC, "C"},
		{7, "?"},
	}

	for _, tt := range tests {
		if got := TowerName(tt.tower); got != tt.expected {
			t.Errorf("TowerName(%d) = %s, want %s", tt.tower, got, tt.expected)
		}
	}
}
