package kinematics

import (
	"testing"
)

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		kind     string
		wantType string
	}{
		{"delta", "delta"},
		{"cartesian", "cartesian"},
		{"corexy", "corexy"},
		{" Delta ", "delta"},
		{"CARTESIAN", "cartesian"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			m, err := NewFromConfig(tt.kind, testConfig())
			if err != nil {
				t.Fatalf("NewFromConfig(%q) failed: %v", tt.kind, err)
			}
			if got := m.GetType(); got != tt.wantType {
				t.Errorf("GetType = %s, want %s", got, tt.wantType)
			}
		})
	}

	if _, err := NewFromConfig("polar", testConfig()); err == nil {
		t.Error("NewFromConfig(polar) should have failed")
	}
}

func TestIdentityModels(t *testing.T) {
	pos := [3]float64{10.5, -7.25, 3.0}

	cart := NewCartesian()
	act, err := cart.CartesianToActuator(pos)
	if err != nil {
		t.Fatalf("cartesian CartesianToActuator failed: %v", err)
	}
	if act != pos {
		t.Errorf("cartesian actuator = %v, want %v", act, pos)
	}
	if got := cart.ActuatorToCartesian(act); got != pos {
		t.Errorf("cartesian round trip = %v, want %v", got, pos)
	}

	xy := NewCoreXY()
	act, err = xy.CartesianToActuator(pos)
	if err != nil {
		t.Fatalf("corexy CartesianToActuator failed: %v", err)
	}
	// A carries x+y, B carries x-y, Z passes through.
	if want := [3]float64{10.5 - 7.25, 10.5 + 7.25, 3.0}; act != want {
		t.Errorf("corexy actuator = %v, want %v", act, want)
	}
	if got := xy.ActuatorToCartesian(act); got != pos {
		t.Errorf("corexy round trip = %v, want %v", got, pos)
	}
}

func TestIdentityModelsRejectCorrections(t *testing.T) {
	for _, m := range []Model{NewCartesian(), NewCoreXY()} {
		if c := m.Corrections(); c != (Corrections{}) {
			t.Errorf("%s Corrections = %+v, want zero", m.GetType(), c)
		}
		if err := m.SetCorrections(Corrections{Radius: 100, ArmLength: 200}); err == nil {
			t.Errorf("%s SetCorrections should have failed", m.GetType())
		}
	}
}
