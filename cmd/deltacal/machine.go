package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deltacal/pkg/calibration"
	"deltacal/pkg/command"
	"deltacal/pkg/config"
	"deltacal/pkg/kinematics"
	"deltacal/pkg/metrics"
	"deltacal/pkg/monitor"
	"deltacal/pkg/motion"
	"deltacal/pkg/probe"
	"deltacal/pkg/serial"
)

const (
	detectTimeout    = 30 * time.Second
	defaultSimHeight = 300.0 // mm of carriage travel for the simulator
)

var (
	device   = ""
	baudRate = 0
	simulate = false
)

// addMachineFlags registers the connection flags shared by every
// subcommand that drives a machine.
func addMachineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&device, "device", "d", "", "serial device, tcp:host:port, or auto to scan (default from config)")
	f.IntVar(&baudRate, "baud", 0, "serial baud rate (default from config, then 115200)")
	f.BoolVar(&simulate, "sim", false, "drive the built-in simulator instead of hardware")
}

// machine bundles the live handles a subcommand works with.
type machine struct {
	cfg     *config.MachineConfig
	model   kinematics.Model
	geo     calibration.Geometry // model, wrapped for controller sync on a live delta
	port    motion.Port
	sensor  probe.Sensor
	engine  *calibration.Engine
	disp    *command.Dispatcher
	metrics *metrics.CalibrationMetrics

	sim  *motion.Sim      // non-nil when simulating
	line *motion.LinePort // non-nil on a live connection
	conn io.Closer        // transport under the line port
}

// openMachine loads the configuration and connects the whole stack:
// kinematic model, motion port, probe runner, calibration engine and
// command dispatcher.
func openMachine() (*machine, error) {
	store, err := config.LoadAutosave(configPath)
	if err != nil {
		return nil, err
	}
	mc, err := config.LoadMachine(store.Config)
	if err != nil {
		return nil, err
	}
	if store.HasSection("zprobe") && !mc.ZProbe.Enable {
		return nil, errors.New("the [zprobe] section disables the probe (enable = false)")
	}

	model, err := kinematics.NewFromConfig(mc.Kinematics, kinematics.DeltaConfig{
		ArmLength:    mc.Geometry.ArmLength,
		Radius:       mc.Geometry.Radius,
		Angles:       mc.Geometry.TowerAngle,
		RadiusOffset: mc.Geometry.RadiusOffset,
		AngleOffset:  mc.Geometry.AngleOffset,
	})
	if err != nil {
		return nil, err
	}
	if mc.IsDelta() {
		logrus.Infof("%s: delta arm %.3f mm, radius %.3f mm", configPath, mc.Geometry.ArmLength, mc.Geometry.Radius)
	} else {
		logrus.Infof("%s: %s machine, probing commands only", configPath, mc.Kinematics)
	}

	// Both optional sections parse regardless of mode so a typo is
	// caught no matter how the tool is invoked.
	dev, baud, err := loadConnection(store.Config)
	if err != nil {
		return nil, err
	}
	simCfg, err := loadSim(store.Config, mc.Geometry)
	if err != nil {
		return nil, err
	}

	m := &machine{cfg: mc, model: model, geo: model, metrics: metrics.NewCalibrationMetrics()}

	probeRange := 0.0
	if simulate {
		delta, ok := model.(*kinematics.Delta)
		if !ok {
			return nil, errors.Errorf("%s kinematics: the simulator only models a delta machine", mc.Kinematics)
		}
		simCfg.Model = delta
		sim, err := motion.NewSim(simCfg)
		if err != nil {
			return nil, err
		}
		sim.Start()
		if err := sim.SetTrims(mc.Trim); err != nil {
			sim.Close()
			return nil, err
		}
		m.sim = sim
		m.port = sim
		m.sensor = probe.SensorFunc(sim.Contact)
		probeRange = simCfg.Height
		logrus.Infof("simulator ready: height %.1f mm, %.1f steps/mm", simCfg.Height, sim.StepsPerMM())
	} else {
		rw, closer, name, err := openTransport(dev, baud)
		if err != nil {
			return nil, err
		}
		line, err := motion.NewLinePort(rw, motion.LineConfig{})
		if err != nil {
			closer.Close()
			return nil, errors.Wrapf(err, "%s", name)
		}
		if delta, ok := model.(*kinematics.Delta); ok {
			synced, err := motion.NewSyncedDelta(delta, line)
			if err != nil {
				closer.Close()
				return nil, err
			}
			m.geo = synced
			logrus.Info("pushed the planning geometry to the controller")
		}
		if mc.Trim != ([3]float64{}) {
			if err := line.SetTrims(mc.Trim); err != nil {
				closer.Close()
				return nil, err
			}
			logrus.Infof("sent configured trims %.4f/%.4f/%.4f", mc.Trim[0], mc.Trim[1], mc.Trim[2])
		}
		m.line = line
		m.port = line
		m.conn = closer
		m.sensor = probe.SensorFunc(line.ProbeTriggered)
		logrus.Infof("connected to %s, %.4f steps/mm", name, line.StepsPerMM())
	}

	runner, err := probe.NewRunner(m.port, m.sensor, probe.Config{
		SlowFeedrate:  mc.ZProbe.SlowFeedrate,
		FastFeedrate:  mc.ZProbe.FastFeedrate,
		DebounceCount: mc.ZProbe.DebounceCount,
		Delta:         mc.IsDelta(),
		ProbeRange:    probeRange,
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	var trims calibration.TrimStore
	if m.sim != nil {
		trims = m.sim
	} else {
		trims = m.line
	}

	engine, err := calibration.New(m.port, runner, m.geo, trims, calibration.Config{
		ProbeHeight: mc.ZProbe.ProbeHeight,
		Radius:      mc.ZProbe.ProbeRadius,
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	disp, err := command.New(command.Config{
		Port:     m.port,
		Runner:   runner,
		Sensor:   m.sensor,
		Engine:   engine,
		Geometry: m.geo,
		Trims:    trims,
		Store:    store,
		Metrics:  m.metrics,
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	m.engine = engine
	m.disp = disp

	for _, opt := range store.Unused() {
		logrus.Warnf("config: option %s was not used", opt)
	}
	return m, nil
}

// Close releases the machine. Safe on a partially opened one.
func (m *machine) Close() {
	if m.sim != nil {
		m.sim.Close()
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			logrus.Debugf("close: %v", err)
		}
	}
}

// portStatus reports the motion layer state for the monitor.
func (m *machine) portStatus() map[string]interface{} {
	if m.sim != nil {
		return m.sim.Status()
	}
	return m.line.Status()
}

// probeStatus polls the sensor for the monitor and keeps the probe
// state gauge current.
func (m *machine) probeStatus() map[string]interface{} {
	triggered, err := m.sensor.Triggered()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	m.metrics.SetProbeState(triggered)
	return map[string]interface{}{
		"triggered":    triggered,
		"probe_height": m.cfg.ZProbe.ProbeHeight,
		"probe_radius": m.cfg.ZProbe.ProbeRadius,
	}
}

// loadConnection reads the optional [serial] section. Flags take
// precedence over the file.
func loadConnection(cfg *config.Config) (string, int, error) {
	dev, baud := device, baudRate
	sec := cfg.GetSectionOptional("serial")
	if sec == nil {
		return dev, baud, nil
	}
	fileDev, err := sec.Get("device", "")
	if err != nil {
		return "", 0, err
	}
	zero := 0
	fileBaud, err := sec.GetIntWithBounds("baud", &zero, nil, 0)
	if err != nil {
		return "", 0, err
	}
	if dev == "" {
		dev = fileDev
	}
	if baud == 0 {
		baud = fileBaud
	}
	return dev, baud, nil
}

// loadSim reads the optional [sim] section describing the machine the
// simulator should pretend to be. Geometry options default to the
// planning model, so an empty section simulates a perfectly built
// machine and every calibration converges immediately.
func loadSim(cfg *config.Config, g config.GeometryConfig) (motion.SimConfig, error) {
	tg := kinematics.DeltaConfig{
		ArmLength:    g.ArmLength,
		Radius:       g.Radius,
		Angles:       g.TowerAngle,
		RadiusOffset: g.RadiusOffset,
		AngleOffset:  g.AngleOffset,
	}
	sc := motion.SimConfig{Height: defaultSimHeight, TrueGeometry: tg}
	sec := cfg.GetSectionOptional("sim")
	if sec == nil {
		return sc, nil
	}

	zero := 0.0
	var err error
	if sc.Height, err = sec.GetFloatWithBounds("height", config.FloatBounds{Above: &zero}, defaultSimHeight); err != nil {
		return sc, err
	}
	if sc.StepsPerMM, err = sec.GetFloat("steps_per_mm", 0); err != nil {
		return sc, err
	}
	if sc.Acceleration, err = sec.GetFloat("acceleration", 0); err != nil {
		return sc, err
	}
	if sc.TickHz, err = sec.GetFloat("tick_hz", 0); err != nil {
		return sc, err
	}
	if sc.TrueGeometry.ArmLength, err = sec.GetFloat("arm_length", tg.ArmLength); err != nil {
		return sc, err
	}
	if sc.TrueGeometry.Radius, err = sec.GetFloat("radius", tg.Radius); err != nil {
		return sc, err
	}
	for i, t := range [3]string{"a", "b", "c"} {
		if sc.TrueGeometry.RadiusOffset[i], err = sec.GetFloat("tower_"+t+"_radius_offset", tg.RadiusOffset[i]); err != nil {
			return sc, err
		}
		if sc.TrueGeometry.AngleOffset[i], err = sec.GetFloat("tower_"+t+"_angle_offset", tg.AngleOffset[i]); err != nil {
			return sc, err
		}
	}
	for i, axis := range [3]string{"x", "y", "z"} {
		if sc.EndstopError[i], err = sec.GetFloat("endstop_error_"+axis, 0); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

// openTransport dials the controller. Device strings of the form
// tcp:host:port bridge to a networked console, auto scans the attached
// ports, anything else is a tty path.
func openTransport(dev string, baud int) (io.ReadWriter, io.Closer, string, error) {
	if dev == "" {
		return nil, nil, "", errors.New("no serial device: pass --device, add a [serial] section, or use --sim")
	}
	if strings.HasPrefix(dev, "tcp:") {
		addr := strings.TrimPrefix(dev, "tcp:")
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, "", errors.Wrap(err, "connect")
		}
		return conn, conn, addr, nil
	}

	cfg := serial.DefaultConfig()
	if baud > 0 {
		cfg.BaudRate = baud
	}
	if dev == "auto" {
		port, err := serial.Detect(cfg, detectTimeout)
		if err != nil {
			return nil, nil, "", err
		}
		return port, port, port.Device(), nil
	}
	cfg.Device = dev
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, nil, "", err
	}
	return port, port, port.Device(), nil
}

// newConsoleReporter writes routine output to stdout and mirrors it to
// the monitor stream when one is running.
func newConsoleReporter(mon *monitor.Server) calibration.Reporter {
	return calibration.ReporterFunc(func(format string, args ...interface{}) {
		fmt.Printf(format+"\n", args...)
		if mon != nil {
			mon.Printf(format, args...)
		}
	})
}

// executeLine runs one console line. A termination signal stops all
// motion, which makes the running routine abort and report; a second
// signal exits immediately.
func executeLine(m *machine, line string, rep calibration.Reporter) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- m.disp.Execute(line, rep) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		logrus.Warnf("caught %v, stopping motion", sig)
	}

	// Keep stopping: the routine may issue another move before it
	// notices the aborted probe.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.port.StopAll()
		select {
		case err := <-done:
			return err
		case <-sigCh:
			logrus.Error("second signal, exiting")
			os.Exit(1)
		case <-ticker.C:
		}
	}
}
