package motion

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/kinematics"
	"deltacal/pkg/serial"
)

// ErrNoReply is returned when the controller stops answering inside
// the configured window.
var ErrNoReply = errors.New("motion: controller did not reply")

const (
	defaultMoveTimeout  = 2 * time.Minute
	defaultQueryTimeout = 5 * time.Second
)

// LineConfig holds the settings for a line-protocol controller
// connection.
type LineConfig struct {
	// StepsPerMM overrides the actuator resolution. Zero asks the
	// controller for it during the opening handshake.
	StepsPerMM float64

	// MoveTimeout bounds the wait for a queue drain to finish
	// (default 2 minutes). Homing a tall machine is the slow case.
	MoveTimeout time.Duration

	// QueryTimeout bounds the wait for a query reply or a command
	// acknowledgment (default 5 seconds).
	QueryTimeout time.Duration
}

// LinePort drives a motion controller over a textual line protocol,
// one command per line and one reply per line. Coordinated moves use
// the conventional console framing (G0 with F in mm/min, wrapped in
// G91/G90 for relative moves); the low-level actuator surface uses
// key=value query commands:
//
//	G28                           home, queued            -> ok
//	G0 X<mm> Y<mm> F<mm/min>      coordinated move        -> ok
//	G91 G0 Z<mm> F<mm/min> G90    relative Z move         -> ok
//	G92 Z<mm>                     redefine Z              -> ok
//	M400                          drain queue and jogs    -> ok once idle
//	M666 [X<mm> Y<mm> Z<mm>]      get/set endstop trims   -> X:<f> Y:<f> Z:<f>
//	set_geometry arm_length=<mm> radius=<mm> offset_a=<mm> offset_b=<mm>
//	    offset_c=<mm> angle_a=<deg> angle_b=<deg> angle_c=<deg>    -> ok
//	jog axis=<n> steps=<n> feedrate=<mm/s> ramp=<0|1>     -> ok
//	stop_all                                              -> ok
//	query_moving                                          -> moving mask=<bits>
//	query_steps axis=<n>                                  -> steps axis=<n> count=<n>
//	query_probe                                           -> probe_state triggered=<0|1>
//	get_config                                            -> config steps_per_mm=<f>
//
// An ok for a motion command means accepted, not finished; blocking
// semantics come from the M400 drain the blocking methods append.
// Anything the controller emits on its own (boot banners, chatter) is
// skipped. A reply starting with "error" or "!!" fails the command.
type LinePort struct {
	mu   sync.Mutex
	rw   io.ReadWriter
	br   *bufio.Reader
	cfg  LineConfig
	spmm float64
}

// NewLinePort opens a controller session on the given byte stream. A
// *serial.Port is the production transport; anything bidirectional
// works. Unless LineConfig pins StepsPerMM, the controller is asked
// for its configuration before the port is handed out.
func NewLinePort(rw io.ReadWriter, cfg LineConfig) (*LinePort, error) {
	if rw == nil {
		return nil, errors.New("motion: line transport is required")
	}
	if cfg.MoveTimeout == 0 {
		cfg.MoveTimeout = defaultMoveTimeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	p := &LinePort{
		rw:  rw,
		br:  bufio.NewReader(rw),
		cfg: cfg,
	}

	if cfg.StepsPerMM > 0 {
		p.spmm = cfg.StepsPerMM
		return p, nil
	}

	reply, err := p.query("get_config", "config ")
	if err != nil {
		return nil, errors.Wrap(err, "controller handshake")
	}
	var spmm float64
	if n, err := fmt.Sscanf(reply, "config steps_per_mm=%f", &spmm); n != 1 || err != nil || spmm <= 0 {
		return nil, errors.Errorf("motion: bad config reply %q", reply)
	}
	p.spmm = spmm
	logrus.Infof("lineport: controller reports %.4f steps/mm", spmm)
	return p, nil
}

// Home runs the homing sequence and blocks until the machine is at
// rest at the towers.
func (p *LinePort) Home() error {
	if err := p.command("G28"); err != nil {
		return err
	}
	return p.drain()
}

// MoveTo runs a coordinated move to (x, y) at the current Z and blocks
// until it completes. Feedrate is in mm/s.
func (p *LinePort) MoveTo(x, y, feedrate float64) error {
	if err := p.command(fmt.Sprintf("G0 X%1.5f Y%1.5f F%1.1f", x, y, feedrate*60)); err != nil {
		return err
	}
	return p.drain()
}

// MoveZ runs a relative Z move and blocks until it completes.
func (p *LinePort) MoveZ(dz, feedrate float64) error {
	if err := p.command(fmt.Sprintf("G91 G0 Z%1.5f F%1.1f G90", dz, feedrate*60)); err != nil {
		return err
	}
	return p.drain()
}

// StartSteps starts a raw step move on one axis and returns once the
// controller has accepted it.
func (p *LinePort) StartSteps(axis int, steps int64, feedrate float64, ramp bool) error {
	r := 0
	if ramp {
		r = 1
	}
	return p.command(fmt.Sprintf("jog axis=%d steps=%d feedrate=%1.4f ramp=%d", axis, steps, feedrate, r))
}

// Moving reports whether the axis is currently moving. A failed query
// reads as not moving; the failure is logged.
func (p *LinePort) Moving(axis int) bool {
	return p.movingMask()&(1<<axis) != 0
}

// AnyMoving reports whether any axis is currently moving.
func (p *LinePort) AnyMoving() bool {
	return p.movingMask() != 0
}

func (p *LinePort) movingMask() int {
	reply, err := p.query("query_moving", "moving ")
	if err != nil {
		logrus.Errorf("lineport: moving query failed: %v", err)
		return 0
	}
	var mask int
	if n, err := fmt.Sscanf(reply, "moving mask=%d", &mask); n != 1 || err != nil {
		logrus.Errorf("lineport: bad moving reply %q", reply)
		return 0
	}
	return mask
}

// StopAll halts every moving axis as soon as possible.
func (p *LinePort) StopAll() {
	if err := p.command("stop_all"); err != nil {
		logrus.Errorf("lineport: stop failed: %v", err)
	}
}

// Stepped returns the signed step count the axis has accumulated since
// its current or last jog started.
func (p *LinePort) Stepped(axis int) int64 {
	reply, err := p.query(fmt.Sprintf("query_steps axis=%d", axis), "steps ")
	if err != nil {
		logrus.Errorf("lineport: step query failed: %v", err)
		return 0
	}
	var echo int
	var count int64
	if n, err := fmt.Sscanf(reply, "steps axis=%d count=%d", &echo, &count); n != 2 || err != nil || echo != axis {
		logrus.Errorf("lineport: bad steps reply %q for axis %d", reply, axis)
		return 0
	}
	return count
}

// StepsPerMM returns the actuator resolution in steps per millimeter.
func (p *LinePort) StepsPerMM() float64 {
	return p.spmm
}

// WaitIdle blocks until every axis is at rest.
func (p *LinePort) WaitIdle() error {
	return p.drain()
}

// SetZ redefines the current Z coordinate without moving.
func (p *LinePort) SetZ(z float64) error {
	return p.command(fmt.Sprintf("G92 Z%1.5f", z))
}

// ProbeTriggered reads the controller's probe input. Wrap it in a
// probe.SensorFunc to use the controller-attached sensor.
func (p *LinePort) ProbeTriggered() (bool, error) {
	reply, err := p.query("query_probe", "probe_state ")
	if err != nil {
		return false, err
	}
	var state int
	if n, err := fmt.Sscanf(reply, "probe_state triggered=%d", &state); n != 1 || err != nil {
		return false, errors.Errorf("motion: bad probe reply %q", reply)
	}
	return state != 0, nil
}

// Trims reads the controller's per-axis endstop trims.
func (p *LinePort) Trims() ([3]float64, error) {
	var t [3]float64
	reply, err := p.query("M666", "X:")
	if err != nil {
		return t, err
	}
	if n, err := fmt.Sscanf(reply, "X:%f Y:%f Z:%f", &t[0], &t[1], &t[2]); n != 3 || err != nil {
		return t, errors.Errorf("motion: bad trim reply %q", reply)
	}
	return t, nil
}

// SetTrims pushes per-axis endstop trims to the controller. They take
// effect at the next homing, as on the local simulator.
func (p *LinePort) SetTrims(t [3]float64) error {
	_, err := p.query(fmt.Sprintf("M666 X%1.4f Y%1.4f Z%1.4f", t[0], t[1], t[2]), "X:")
	return err
}

// SetGeometry pushes the delta geometry the controller plans
// coordinated moves with. Queued moves are unaffected, so callers
// update the geometry between moves, not during them.
func (p *LinePort) SetGeometry(c kinematics.Corrections) error {
	return p.command(fmt.Sprintf(
		"set_geometry arm_length=%1.5f radius=%1.5f offset_a=%1.5f offset_b=%1.5f offset_c=%1.5f angle_a=%1.5f angle_b=%1.5f angle_c=%1.5f",
		c.ArmLength, c.Radius,
		c.RadiusOffset[0], c.RadiusOffset[1], c.RadiusOffset[2],
		c.AngleOffset[0], c.AngleOffset[1], c.AngleOffset[2]))
}

// Status summarizes the connection for a status page.
func (p *LinePort) Status() map[string]interface{} {
	return map[string]interface{}{
		"steps_per_mm": p.spmm,
		"moving":       p.AnyMoving(),
	}
}

// command sends a line and waits for its ok.
func (p *LinePort) command(line string) error {
	_, err := p.transact(line, "", time.Now().Add(p.cfg.QueryTimeout))
	return err
}

// drain waits out the motion queue. This is the one transaction that
// legitimately takes as long as the machine needs to finish moving.
func (p *LinePort) drain() error {
	_, err := p.transact("M400", "", time.Now().Add(p.cfg.MoveTimeout))
	return err
}

// query sends a line and waits for a reply carrying the given prefix.
func (p *LinePort) query(line, wantPrefix string) (string, error) {
	return p.transact(line, wantPrefix, time.Now().Add(p.cfg.QueryTimeout))
}

// transact writes one command line and reads reply lines until the
// expected one arrives. An empty wantPrefix expects the plain ok
// acknowledgment.
func (p *LinePort) transact(line, wantPrefix string, deadline time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.rw, line+"\n"); err != nil {
		return "", errors.Wrapf(err, "send %q", line)
	}

	for {
		reply, err := p.readLine(deadline)
		if err != nil {
			return "", errors.Wrapf(err, "awaiting reply to %q", line)
		}
		switch {
		case reply == "":
			continue
		case strings.HasPrefix(reply, "error") || strings.HasPrefix(reply, "!!"):
			return "", errors.Errorf("controller: %s (command %q)", reply, line)
		case wantPrefix == "" && reply == "ok":
			return reply, nil
		case wantPrefix != "" && strings.HasPrefix(reply, wantPrefix):
			return reply, nil
		default:
			logrus.Debugf("lineport: skipping %q", reply)
		}
	}
}

// readLine reads one CR/LF-terminated line, riding out transport read
// timeouts until the deadline. The buffered reader hands back partial
// lines together with the timeout, so fragments are accumulated here.
func (p *LinePort) readLine(deadline time.Time) (string, error) {
	var buf strings.Builder
	for {
		chunk, err := p.br.ReadString('\n')
		buf.WriteString(chunk)
		if err == nil {
			return strings.TrimRight(buf.String(), "\r\n"), nil
		}
		if errors.Is(err, serial.ErrTimeout) {
			if time.Now().Before(deadline) {
				continue
			}
			return "", ErrNoReply
		}
		return "", err
	}
}
