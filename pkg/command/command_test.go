package command

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		name string
		args map[string]string
	}{
		{"G30", "G30", map[string]string{}},
		{"g32 e r", "G32", map[string]string{"E": "", "R": ""}},
		{"G32 T I0.02 J70", "G32", map[string]string{"T": "", "I": "0.02", "J": "70"}},
		{"M665 L250.5 R124", "M665", map[string]string{"L": "250.5", "R": "124"}},
		{"G30 Z=5.5", "G30", map[string]string{"Z": "5.5"}},
		{"  G30 ; probe the bed", "G30", map[string]string{}},
		{"(center) G30 Z1", "G30", map[string]string{"Z": "1"}},
		{"M666 X-0.1 Y0.05 Z0", "M666", map[string]string{"X": "-0.1", "Y": "0.05", "Z": "0"}},
	}
	for _, tt := range tests {
		cmd := Parse(tt.line)
		if cmd == nil {
			t.Errorf("Parse(%q) = nil, want %s", tt.line, tt.name)
			continue
		}
		if cmd.Name != tt.name {
			t.Errorf("Parse(%q).Name = %q, want %q", tt.line, cmd.Name, tt.name)
		}
		if len(cmd.Args) != len(tt.args) {
			t.Errorf("Parse(%q).Args = %v, want %v", tt.line, cmd.Args, tt.args)
			continue
		}
		for k, want := range tt.args {
			if got, ok := cmd.Args[k]; !ok || got != want {
				t.Errorf("Parse(%q).Args[%q] = %q, want %q", tt.line, k, got, want)
			}
		}
	}
}

func TestParseEmpty(t *testing.T) {
	for _, line := range []string{"", "   ", "; comment only", "(all comment)", " ; x "} {
		if cmd := Parse(line); cmd != nil {
			t.Errorf("Parse(%q) = %+v, want nil", line, cmd)
		}
	}
}

func TestCommandAccessors(t *testing.T) {
	cmd := Parse("G32 E I0.05 P3.7 Jx K")

	if !cmd.Has("E") || !cmd.Has("K") {
		t.Errorf("Has(E)/Has(K) = %v/%v, want true/true", cmd.Has("E"), cmd.Has("K"))
	}
	if cmd.Has("Q") {
		t.Error("Has(Q) = true, want false")
	}
	if got := cmd.Float("I", 0.03); got != 0.05 {
		t.Errorf("Float(I) = %v, want 0.05", got)
	}
	if got := cmd.Float("J", 70); got != 70 {
		t.Errorf("Float(J) with bad value = %v, want fallback 70", got)
	}
	if got := cmd.Float("K", 1.5); got != 1.5 {
		t.Errorf("Float(K) without value = %v, want fallback 1.5", got)
	}
	if got := cmd.Int("P", 20); got != 3 {
		t.Errorf("Int(P) with float spelling = %v, want 3", got)
	}
	if got := cmd.Int("N", 20); got != 20 {
		t.Errorf("Int(N) missing = %v, want fallback 20", got)
	}
}
