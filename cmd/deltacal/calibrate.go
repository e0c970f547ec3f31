package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	calEndstops    bool
	calRadius      bool
	calGeometry    bool
	calSurvey      bool
	calConsistency int
	calTowerRadius string
	calTowerAngle  string
	calKeepTrims   bool
	calTarget      float64
	calProbeRadius float64
	calSave        bool
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run calibration routines and exit",
		Long: `Run the selected calibration routines once and report every
iteration. A routine that stops short of its target prints a warning;
the exit status is non-zero only for hard failures, such as a probe
that never triggers.

Without routine flags this calibrates endstop trims and the delta
radius, the usual sequence for a freshly built machine.

The same routines are available on the run console as G32.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			line, err := calibrateLine()
			if err != nil {
				return err
			}

			m, err := openMachine()
			if err != nil {
				return err
			}
			defer m.Close()

			rep := newConsoleReporter(nil)
			if err := executeLine(m, line, rep); err != nil {
				return err
			}
			if calSave {
				return executeLine(m, "M500", rep)
			}
			return nil
		},
	}

	addMachineFlags(cmd)
	f := cmd.Flags()
	f.BoolVar(&calEndstops, "endstops", false, "calibrate the endstop trims")
	f.BoolVar(&calRadius, "radius", false, "calibrate the delta radius")
	f.BoolVar(&calGeometry, "geometry", false, "iterate the full geometry: trims, radius and tower positions")
	f.BoolVar(&calSurvey, "survey", false, "probe the 13-point bed survey afterwards")
	f.IntVar(&calConsistency, "consistency", 0, "assess probe consistency with N samples instead of calibrating")
	f.StringVar(&calTowerRadius, "tower-radius", "", "fix one tower's radial position (a, b or c)")
	f.StringVar(&calTowerAngle, "tower-angle", "", "fix one tower's angular position (a, b or c)")
	f.BoolVar(&calKeepTrims, "keep-trims", false, "start from the stored trims instead of zeroing them")
	f.Float64Var(&calTarget, "target", 0, "convergence target in mm (default from the machine)")
	f.Float64Var(&calProbeRadius, "probe-radius", 0, "probe circle radius in mm (default from the machine)")
	f.BoolVar(&calSave, "save", false, "save the result with M500 on success")

	return cmd
}

// calibrateLine translates the routine flags into the G32 console
// grammar the dispatcher speaks.
func calibrateLine() (string, error) {
	towerRadius, err := towerLetter(calTowerRadius, [3]string{"A", "B", "C"})
	if err != nil {
		return "", err
	}
	towerAngle, err := towerLetter(calTowerAngle, [3]string{"X", "Y", "Z"})
	if err != nil {
		return "", err
	}
	if calConsistency < 0 {
		return "", errors.New("--consistency wants a positive sample count")
	}

	exclusive := 0
	for _, set := range []bool{calGeometry, calConsistency > 0, towerRadius != "", towerAngle != ""} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		return "", errors.New("pick one of --geometry, --consistency, --tower-radius and --tower-angle")
	}
	if calEndstops && exclusive > 0 {
		return "", errors.New("--endstops does not combine with the other routines")
	}
	if calConsistency > 0 && (calRadius || calSurvey) {
		return "", errors.New("--consistency is a measurement, run it alone")
	}
	if calGeometry && calRadius {
		return "", errors.New("--geometry already iterates the radius")
	}

	endstops, radius := calEndstops, calRadius
	if !endstops && !radius && !calSurvey && exclusive == 0 {
		endstops, radius = true, true
	}

	words := []string{"G32"}
	switch {
	case calConsistency > 0:
		words = append(words, fmt.Sprintf("P%d", calConsistency))
	case calGeometry:
		words = append(words, "T")
	case towerRadius != "":
		words = append(words, towerRadius)
	case towerAngle != "":
		words = append(words, towerAngle)
	case endstops:
		words = append(words, "E")
	}
	if radius {
		words = append(words, "R")
	}
	if calSurvey {
		words = append(words, "Q")
	}
	if calKeepTrims {
		words = append(words, "K")
	}
	if calTarget > 0 {
		words = append(words, fmt.Sprintf("I%g", calTarget))
	}
	if calProbeRadius > 0 {
		words = append(words, fmt.Sprintf("J%g", calProbeRadius))
	}
	return strings.Join(words, " "), nil
}

// towerLetter maps a tower name to its word in the console grammar.
func towerLetter(name string, letters [3]string) (string, error) {
	switch strings.ToLower(name) {
	case "":
		return "", nil
	case "a", "x":
		return letters[0], nil
	case "b", "y":
		return letters[1], nil
	case "c", "z":
		return letters[2], nil
	}
	return "", errors.Errorf("unknown tower %q, use a, b or c", name)
}
