package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	probeHome bool
	probeSetZ float64
)

func NewProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe the bed once and report the trigger height",
		Long: `Lower the probe from the current position until it triggers and
report the travelled distance in millimetres and steps, then return.
Homing is not implied; with --home the machine homes first, so the
report is the distance from home down to the bed.

With --set-z the effector stays on the trigger point and that position
becomes the given Z coordinate, the G30 Zn behaviour.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openMachine()
			if err != nil {
				return err
			}
			defer m.Close()

			rep := newConsoleReporter(nil)
			if probeHome {
				if err := executeLine(m, "G28", rep); err != nil {
					return err
				}
			}
			line := "G30"
			if cmd.Flags().Changed("set-z") {
				line = fmt.Sprintf("G30 Z%g", probeSetZ)
			}
			return executeLine(m, line, rep)
		},
	}

	addMachineFlags(cmd)
	f := cmd.Flags()
	f.BoolVar(&probeHome, "home", false, "home before probing")
	f.Float64Var(&probeSetZ, "set-z", 0, "stay on the trigger point and make it this Z coordinate")

	return cmd
}
