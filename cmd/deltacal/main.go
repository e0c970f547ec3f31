package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	logLevel   = "info"
	configPath = "machine.cfg"
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deltacal",
		Short: "deltacal probes and calibrates delta machines over a serial console",
		Long: `deltacal is a calibration host for linear delta machines. It drives the
machine through a probe-equipped serial controller (or a built-in
simulator), measures the bed with the Z probe and iterates endstop trims
and delta geometry until the measurements converge.

Routines and reports follow the conventions of the classic G-code
console: G30 probes, G32 calibrates, M500 saves the result back to the
machine configuration file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVarP(&configPath, "config", "c", configPath, "machine configuration file")

	cmd.AddCommand(
		NewRunCommand(),
		NewCalibrateCommand(),
		NewProbeCommand(),
	)

	return cmd
}
