package main

import (
	"bufio"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deltacal/pkg/monitor"
)

var monitorAddr = ""

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the calibration console on stdin",
		Long: `Connect to the machine and execute console commands from standard
input, one per line, until EOF or a termination signal.

Supported commands: G28 (home), G30 (probe), G32 (calibrate), M119
(probe state), M500 (save settings), M665 (arm length and radius),
M666 (endstop trims). Anything else is ignored, so a G-code stream can
be piped through unchanged.

With --monitor an HTTP endpoint serves a status document, metrics in
text exposition format and a WebSocket stream of calibration events.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConsole()
		},
	}

	addMachineFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&monitorAddr, "monitor", "", "monitor HTTP listen address, e.g. :7125")

	return cmd
}

func runConsole() error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	var mon *monitor.Server
	if monitorAddr != "" {
		mon = monitor.New(monitor.Config{Addr: monitorAddr, Metrics: m.metrics})
		mon.AddSection("calibration", func() map[string]interface{} {
			st := m.engine.GetStatus()
			return map[string]interface{}{
				"busy":    st.Busy,
				"routine": st.Routine,
				"probes":  st.Probes,
			}
		})
		mon.AddSection("geometry", m.model.GetStatus)
		mon.AddSection("machine", m.portStatus)
		mon.AddSection("probe", m.probeStatus)
		go func() {
			if err := mon.Start(); err != nil {
				logrus.Errorf("monitor: %v", err)
			}
		}()
		defer func() {
			if err := mon.Stop(); err != nil {
				logrus.Debugf("monitor: %v", err)
			}
		}()
	}

	rep := newConsoleReporter(mon)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	readDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		readDone <- sc.Err()
	}()

	logrus.Info("console ready")
	for {
		select {
		case sig := <-sigCh:
			logrus.Infof("caught %v, shutting down", sig)
			m.port.StopAll()
			return nil
		case err := <-readDone:
			return err
		case line := <-lines:
			// Failures are already reported on the console.
			if err := executeLine(m, line, rep); err != nil {
				logrus.Debugf("console: %v", err)
			}
		}
	}
}
