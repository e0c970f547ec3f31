// mock-controller simulates a delta machine behind the textual line
// protocol, for exercising the host against a controller that plans
// its own moves.
//
// The planning geometry starts at the configured arm length and radius
// and follows whatever the host pushes with set_geometry. The physical
// machine the probe feels is described separately by the -true-* and
// error flags; with none given the machine is perfectly built and
// every calibration converges immediately.
//
// Usage:
//
//	mock-controller -listen :5533 [-true-radius 125.2 -endstop-x 0.15 ...]
//
// Point the host at it with --device tcp:localhost:5533.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"deltacal/pkg/kinematics"
	"deltacal/pkg/motion"
)

// settings carries the flag values a connection builds its machine
// from. Every connection gets a fresh machine.
type settings struct {
	arm    float64
	radius float64
	spmm   float64
	height float64

	truth      kinematics.DeltaConfig
	endstopErr [3]float64
}

func main() {
	listen := flag.String("listen", ":5533", "TCP listen address")
	arm := flag.Float64("arm", 250, "configured arm length, mm")
	radius := flag.Float64("radius", 124, "configured delta radius, mm")
	stepsPerMM := flag.Float64("steps-per-mm", 80, "actuator resolution, steps/mm")
	height := flag.Float64("height", 300, "carriage travel from endstop to bed, mm")
	trueArm := flag.Float64("true-arm", 0, "physical arm length, mm (default: configured)")
	trueRadius := flag.Float64("true-radius", 0, "physical delta radius, mm (default: configured)")
	trace := flag.Bool("trace", false, "print every command and reply")

	var offset, angle, endstop [3]float64
	for i, t := range [3]string{"a", "b", "c"} {
		flag.Float64Var(&offset[i], "offset-"+t, 0, "physical tower "+strings.ToUpper(t)+" radius offset, mm")
		flag.Float64Var(&angle[i], "angle-"+t, 0, "physical tower "+strings.ToUpper(t)+" angle offset, degrees")
	}
	for i, a := range [3]string{"x", "y", "z"} {
		flag.Float64Var(&endstop[i], "endstop-"+a, 0, "endstop "+strings.ToUpper(a)+" placement error, mm")
	}
	flag.Parse()

	cfg := settings{
		arm:    *arm,
		radius: *radius,
		spmm:   *stepsPerMM,
		height: *height,
		truth: kinematics.DeltaConfig{
			ArmLength:    *trueArm,
			Radius:       *trueRadius,
			RadiusOffset: offset,
			AngleOffset:  angle,
		},
		endstopErr: endstop,
	}
	if cfg.truth.ArmLength == 0 {
		cfg.truth.ArmLength = cfg.arm
	}
	if cfg.truth.Radius == 0 {
		cfg.truth.Radius = cfg.radius
	}

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("Mock controller listening on %s\n", listener.Addr())
	fmt.Printf("Configured: arm %.3f mm, radius %.3f mm, %.4g steps/mm, height %.1f mm\n",
		cfg.arm, cfg.radius, cfg.spmm, cfg.height)
	fmt.Printf("Physical:   arm %.3f mm, radius %.3f mm, radius offsets %v mm, angle offsets %v deg\n",
		cfg.truth.ArmLength, cfg.truth.Radius, cfg.truth.RadiusOffset, cfg.truth.AngleOffset)
	fmt.Printf("Endstop placement error: %v mm\n", cfg.endstopErr)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return
		case conn := <-connCh:
			fmt.Printf("Client connected from %s\n", conn.RemoteAddr())
			go serveClient(conn, cfg, *trace)
		}
	}
}

func serveClient(conn net.Conn, cfg settings, trace bool) {
	defer conn.Close()

	model, err := kinematics.NewDelta(kinematics.DeltaConfig{
		ArmLength: cfg.arm,
		Radius:    cfg.radius,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad configured geometry: %v\n", err)
		return
	}
	sim, err := motion.NewSim(motion.SimConfig{
		Model:        model,
		StepsPerMM:   cfg.spmm,
		Height:       cfg.height,
		TrueGeometry: cfg.truth,
		EndstopError: cfg.endstopErr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad physical geometry: %v\n", err)
		return
	}
	sim.Start()
	defer sim.Close()

	s := &session{
		conn:  conn,
		sim:   sim,
		model: model,
		trace: trace,
		queue: make(chan func() error, 16),
	}
	go s.worker()
	defer close(s.queue)

	s.send("// mock delta controller")
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		s.dispatch(strings.TrimSpace(sc.Text()))
	}
	fmt.Println("Client disconnected")
}

// session is one host connection. Motion commands are queued to a
// single background worker so ok means accepted, as on real firmware;
// M400 joins the queue before reporting idle. A queued move that
// fails late reports asynchronously with the conventional !! marker.
type session struct {
	conn  net.Conn
	sim   *motion.Sim
	model *kinematics.Delta
	trace bool

	queue chan func() error
	wg    sync.WaitGroup

	wmu sync.Mutex // serializes reply writes with async failures
}

func (s *session) worker() {
	for fn := range s.queue {
		if err := fn(); err != nil {
			s.send("!! " + err.Error())
		}
		s.wg.Done()
	}
}

func (s *session) enqueue(fn func() error) {
	s.wg.Add(1)
	s.queue <- fn
}

func (s *session) send(line string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.trace {
		fmt.Printf("> %s\n", line)
	}
	io.WriteString(s.conn, line+"\n")
}

func (s *session) dispatch(line string) {
	if line == "" {
		return
	}
	if s.trace {
		fmt.Printf("< %s\n", line)
	}

	switch {
	case line == "get_config":
		s.send(fmt.Sprintf("config steps_per_mm=%1.4f", s.sim.StepsPerMM()))

	case line == "G28":
		s.enqueue(s.sim.Home)
		s.send("ok")

	case strings.HasPrefix(line, "G0 "):
		var x, y, f float64
		if n, _ := fmt.Sscanf(line, "G0 X%f Y%f F%f", &x, &y, &f); n != 3 || f <= 0 {
			s.send("error bad move")
			return
		}
		s.enqueue(func() error { return s.sim.MoveTo(x, y, f/60) })
		s.send("ok")

	case strings.HasPrefix(line, "G91 "):
		var dz, f float64
		if n, _ := fmt.Sscanf(line, "G91 G0 Z%f F%f G90", &dz, &f); n != 2 || f <= 0 {
			s.send("error bad move")
			return
		}
		s.enqueue(func() error { return s.sim.MoveZ(dz, f/60) })
		s.send("ok")

	case strings.HasPrefix(line, "G92 "):
		var z float64
		if n, _ := fmt.Sscanf(line, "G92 Z%f", &z); n != 1 {
			s.send("error bad coordinate")
			return
		}
		s.wg.Wait()
		if err := s.sim.SetZ(z); err != nil {
			s.send("error " + err.Error())
			return
		}
		s.send("ok")

	case line == "M400":
		s.wg.Wait()
		if err := s.sim.WaitIdle(); err != nil {
			s.send("error " + err.Error())
			return
		}
		s.send("ok")

	case strings.HasPrefix(line, "M666"):
		s.trimCommand(line)

	case strings.HasPrefix(line, "set_geometry "):
		s.geometryCommand(line)

	case strings.HasPrefix(line, "jog "):
		var axis, ramp int
		var steps int64
		var feedrate float64
		if n, _ := fmt.Sscanf(line, "jog axis=%d steps=%d feedrate=%f ramp=%d",
			&axis, &steps, &feedrate, &ramp); n != 4 {
			s.send("error bad jog")
			return
		}
		if err := s.sim.StartSteps(axis, steps, feedrate, ramp != 0); err != nil {
			s.send("error " + err.Error())
			return
		}
		s.send("ok")

	case line == "stop_all":
		s.sim.StopAll()
		s.send("ok")

	case line == "query_moving":
		mask := 0
		for i := 0; i < 3; i++ {
			if s.sim.Moving(i) {
				mask |= 1 << i
			}
		}
		s.send(fmt.Sprintf("moving mask=%d", mask))

	case strings.HasPrefix(line, "query_steps"):
		var axis int
		if n, _ := fmt.Sscanf(line, "query_steps axis=%d", &axis); n != 1 || axis < 0 || axis > 2 {
			s.send("error bad axis")
			return
		}
		s.send(fmt.Sprintf("steps axis=%d count=%d", axis, s.sim.Stepped(axis)))

	case line == "query_probe":
		triggered, err := s.sim.Contact()
		if err != nil {
			s.send("error " + err.Error())
			return
		}
		state := 0
		if triggered {
			state = 1
		}
		s.send(fmt.Sprintf("probe_state triggered=%d", state))

	default:
		s.send("error unknown command")
	}
}

func (s *session) trimCommand(line string) {
	if line != "M666" {
		var t [3]float64
		if n, _ := fmt.Sscanf(line, "M666 X%f Y%f Z%f", &t[0], &t[1], &t[2]); n != 3 {
			s.send("error bad trims")
			return
		}
		if err := s.sim.SetTrims(t); err != nil {
			s.send("error " + err.Error())
			return
		}
	}
	t, err := s.sim.Trims()
	if err != nil {
		s.send("error " + err.Error())
		return
	}
	s.send(fmt.Sprintf("X:%1.4f Y:%1.4f Z:%1.4f", t[0], t[1], t[2]))
}

// geometryCommand replaces the planning geometry. The host pushes it
// between moves, never during them, so no fence against the worker is
// needed beyond the queue being idle by protocol.
func (s *session) geometryCommand(line string) {
	var g [8]float64
	n, _ := fmt.Sscanf(line,
		"set_geometry arm_length=%f radius=%f offset_a=%f offset_b=%f offset_c=%f angle_a=%f angle_b=%f angle_c=%f",
		&g[0], &g[1], &g[2], &g[3], &g[4], &g[5], &g[6], &g[7])
	if n != 8 {
		s.send("error bad geometry")
		return
	}
	err := s.model.SetCorrections(kinematics.Corrections{
		ArmLength:    g[0],
		Radius:       g[1],
		RadiusOffset: [3]float64{g[2], g[3], g[4]},
		AngleOffset:  [3]float64{g[5], g[6], g[7]},
	})
	if err != nil {
		s.send("error " + err.Error())
		return
	}
	s.send("ok")
}
