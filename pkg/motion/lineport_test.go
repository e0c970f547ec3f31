package motion_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"deltacal/pkg/kinematics"
	"deltacal/pkg/motion"
	"deltacal/pkg/probe"
)

// fakeController speaks the controller side of the line protocol over
// an in-memory pipe. Jogs progress by advancePerPoll steps on every
// query_moving, so a probe cycle plays out deterministically, and M400
// fast-forwards whatever is still queued.
type fakeController struct {
	conn net.Conn

	mu        sync.Mutex
	lines     []string
	pos       [3]int64
	stepped   [3]int64
	remaining [3]int64
	trims     [3]float64
	geometry  [8]float64
	banner    []string
	failing   map[string]string

	stepsPerMM     float64
	advancePerPoll int64
	triggerAt      int64
}

func newFakeController(t *testing.T) (*fakeController, io.ReadWriter) {
	t.Helper()
	host, ctrl := net.Pipe()
	f := &fakeController{
		conn:           ctrl,
		failing:        make(map[string]string),
		stepsPerMM:     80,
		advancePerPoll: 400,
		triggerAt:      1600,
	}
	go f.run()
	t.Cleanup(func() {
		host.Close()
		ctrl.Close()
	})
	return f, host
}

func (f *fakeController) run() {
	sc := bufio.NewScanner(f.conn)
	for sc.Scan() {
		for _, reply := range f.handle(sc.Text()) {
			if _, err := io.WriteString(f.conn, reply+"\n"); err != nil {
				return
			}
		}
	}
}

func (f *fakeController) handle(line string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)

	out := f.banner
	f.banner = nil

	word := strings.Fields(line)[0]
	if msg, ok := f.failing[word]; ok {
		return append(out, "error "+msg)
	}

	switch {
	case line == "get_config":
		return append(out, fmt.Sprintf("config steps_per_mm=%1.4f", f.stepsPerMM))
	case line == "G28":
		f.pos, f.stepped, f.remaining = [3]int64{}, [3]int64{}, [3]int64{}
		return append(out, "ok")
	case strings.HasPrefix(line, "G0 "), strings.HasPrefix(line, "G91 "), strings.HasPrefix(line, "G92 "):
		return append(out, "ok")
	case line == "M400":
		for i := range f.remaining {
			f.pos[i] += f.remaining[i]
			f.stepped[i] += f.remaining[i]
			f.remaining[i] = 0
		}
		return append(out, "ok")
	case strings.HasPrefix(line, "M666"):
		if line != "M666" {
			fmt.Sscanf(line, "M666 X%f Y%f Z%f", &f.trims[0], &f.trims[1], &f.trims[2])
		}
		return append(out, fmt.Sprintf("X:%1.4f Y:%1.4f Z:%1.4f", f.trims[0], f.trims[1], f.trims[2]))
	case strings.HasPrefix(line, "set_geometry "):
		var g [8]float64
		n, _ := fmt.Sscanf(line,
			"set_geometry arm_length=%f radius=%f offset_a=%f offset_b=%f offset_c=%f angle_a=%f angle_b=%f angle_c=%f",
			&g[0], &g[1], &g[2], &g[3], &g[4], &g[5], &g[6], &g[7])
		if n != 8 {
			return append(out, "error bad geometry")
		}
		f.geometry = g
		return append(out, "ok")
	case strings.HasPrefix(line, "jog "):
		var axis, ramp int
		var steps int64
		var feedrate float64
		if n, _ := fmt.Sscanf(line, "jog axis=%d steps=%d feedrate=%f ramp=%d", &axis, &steps, &feedrate, &ramp); n != 4 {
			return append(out, "error bad jog")
		}
		f.remaining[axis] = steps
		f.stepped[axis] = 0
		return append(out, "ok")
	case line == "stop_all":
		f.remaining = [3]int64{}
		return append(out, "ok")
	case line == "query_moving":
		f.advance()
		mask := 0
		for i, r := range f.remaining {
			if r != 0 {
				mask |= 1 << i
			}
		}
		return append(out, fmt.Sprintf("moving mask=%d", mask))
	case strings.HasPrefix(line, "query_steps"):
		var axis int
		fmt.Sscanf(line, "query_steps axis=%d", &axis)
		return append(out, fmt.Sprintf("steps axis=%d count=%d", axis, f.stepped[axis]))
	case line == "query_probe":
		state := 0
		if f.pos[2] <= -f.triggerAt {
			state = 1
		}
		return append(out, fmt.Sprintf("probe_state triggered=%d", state))
	}
	return append(out, "error unknown command")
}

// advance progresses every active jog by one poll quantum.
func (f *fakeController) advance() {
	for i := range f.remaining {
		r := f.remaining[i]
		if r == 0 {
			continue
		}
		step := f.advancePerPoll
		if r < 0 {
			step = -step
		}
		if (r > 0 && r < step) || (r < 0 && r > step) {
			step = r
		}
		f.pos[i] += step
		f.stepped[i] += step
		f.remaining[i] -= step
	}
}

func (f *fakeController) transcript() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeController) positions() [3]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeController) geometrySnapshot() [8]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.geometry
}

func (f *fakeController) failWith(word, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[word] = msg
}

func (f *fakeController) injectBanner(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banner = append(f.banner, lines...)
}

func newTestLinePort(t *testing.T) (*fakeController, *motion.LinePort) {
	t.Helper()
	f, host := newFakeController(t)
	port, err := motion.NewLinePort(host, motion.LineConfig{StepsPerMM: 80})
	if err != nil {
		t.Fatalf("NewLinePort: %v", err)
	}
	return f, port
}

func TestLinePortHandshake(t *testing.T) {
	f, host := newFakeController(t)
	port, err := motion.NewLinePort(host, motion.LineConfig{})
	if err != nil {
		t.Fatalf("NewLinePort: %v", err)
	}
	if got := port.StepsPerMM(); got != 80 {
		t.Errorf("StepsPerMM = %v, want 80", got)
	}
	if lines := f.transcript(); len(lines) == 0 || lines[0] != "get_config" {
		t.Errorf("handshake transcript = %v, want get_config first", lines)
	}
}

func TestLinePortRequiresTransport(t *testing.T) {
	if _, err := motion.NewLinePort(nil, motion.LineConfig{}); err == nil {
		t.Fatal("NewLinePort(nil) did not fail")
	}
}

func TestLinePortFraming(t *testing.T) {
	f, port := newTestLinePort(t)

	if err := port.MoveTo(10, -5, 50); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if err := port.MoveZ(-2.5, 2); err != nil {
		t.Fatalf("MoveZ: %v", err)
	}
	if err := port.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if err := port.SetZ(5.5); err != nil {
		t.Fatalf("SetZ: %v", err)
	}

	want := []string{
		"G0 X10.00000 Y-5.00000 F3000.0",
		"M400",
		"G91 G0 Z-2.50000 F120.0 G90",
		"M400",
		"G28",
		"M400",
		"G92 Z5.50000",
	}
	got := f.transcript()
	if len(got) != len(want) {
		t.Fatalf("transcript = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transcript[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLinePortJog(t *testing.T) {
	_, port := newTestLinePort(t)

	if err := port.StartSteps(0, -1000, 2, true); err != nil {
		t.Fatalf("StartSteps: %v", err)
	}
	if !port.Moving(0) {
		t.Fatal("axis 0 not moving after jog")
	}
	if port.Moving(1) {
		t.Error("axis 1 reported moving")
	}

	port.StopAll()
	if port.AnyMoving() {
		t.Error("still moving after StopAll")
	}
	if err := port.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	// Two moving queries advanced the jog twice before the stop.
	if got := port.Stepped(0); got != -800 {
		t.Errorf("Stepped(0) = %d, want -800", got)
	}
	if got := port.Stepped(1); got != 0 {
		t.Errorf("Stepped(1) = %d, want 0", got)
	}
}

func TestLinePortProbeCycle(t *testing.T) {
	f, port := newTestLinePort(t)

	runner, err := probe.NewRunner(port, probe.SensorFunc(port.ProbeTriggered), probe.Config{
		SlowFeedrate: 2,
		FastFeedrate: 50,
		Delta:        true,
		ProbeRange:   50,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	res, err := runner.RunProbe(false)
	if err != nil {
		t.Fatalf("RunProbe: %v", err)
	}
	if !res.Triggered {
		t.Fatal("probe did not trigger")
	}
	if res.Steps != [3]int64{1600, 1600, 1600} {
		t.Errorf("Steps = %v, want 1600 on each axis", res.Steps)
	}

	if err := runner.ReturnProbe(res.Steps); err != nil {
		t.Fatalf("ReturnProbe: %v", err)
	}
	if got := f.positions(); got != [3]int64{} {
		t.Errorf("positions after return = %v, want zero", got)
	}
}

func TestLinePortTrims(t *testing.T) {
	f, port := newTestLinePort(t)

	want := [3]float64{-0.12, 0.05, 0}
	if err := port.SetTrims(want); err != nil {
		t.Fatalf("SetTrims: %v", err)
	}
	got, err := port.Trims()
	if err != nil {
		t.Fatalf("Trims: %v", err)
	}
	if got != want {
		t.Errorf("Trims = %v, want %v", got, want)
	}

	lines := f.transcript()
	if lines[0] != "M666 X-0.1200 Y0.0500 Z0.0000" {
		t.Errorf("set framing = %q", lines[0])
	}
}

func TestLinePortGeometry(t *testing.T) {
	f, port := newTestLinePort(t)

	c := kinematics.Corrections{
		ArmLength:    250.5,
		Radius:       124.45,
		RadiusOffset: [3]float64{-0.4, 0.2, 0},
		AngleOffset:  [3]float64{0.25, 0, -0.5},
	}
	if err := port.SetGeometry(c); err != nil {
		t.Fatalf("SetGeometry: %v", err)
	}
	want := [8]float64{250.5, 124.45, -0.4, 0.2, 0, 0.25, 0, -0.5}
	if got := f.geometrySnapshot(); got != want {
		t.Errorf("controller geometry = %v, want %v", got, want)
	}
}

func TestSyncedDelta(t *testing.T) {
	f, port := newTestLinePort(t)

	model, err := kinematics.NewDelta(kinematics.DeltaConfig{ArmLength: 150, Radius: 80})
	if err != nil {
		t.Fatalf("NewDelta: %v", err)
	}
	synced, err := motion.NewSyncedDelta(model, port)
	if err != nil {
		t.Fatalf("NewSyncedDelta: %v", err)
	}
	if got := f.geometrySnapshot(); got[0] != 150 || got[1] != 80 {
		t.Fatalf("initial push = %v, want arm 150 and radius 80", got)
	}

	c := synced.Corrections()
	c.Radius = 81.25
	if err := synced.SetCorrections(c); err != nil {
		t.Fatalf("SetCorrections: %v", err)
	}
	if got := model.Corrections().Radius; got != 81.25 {
		t.Errorf("model radius = %v, want 81.25", got)
	}
	if got := f.geometrySnapshot(); got[1] != 81.25 {
		t.Errorf("controller radius = %v, want 81.25", got[1])
	}

	// A geometry the model rejects must never reach the controller.
	c.Radius = -1
	if err := synced.SetCorrections(c); err == nil {
		t.Fatal("SetCorrections accepted a negative radius")
	}
	if got := f.geometrySnapshot(); got[1] != 81.25 {
		t.Errorf("controller radius = %v after a rejected set, want 81.25", got[1])
	}
}

func TestLinePortControllerError(t *testing.T) {
	f, port := newTestLinePort(t)

	f.failWith("G92", "unsupported")
	err := port.SetZ(1)
	if err == nil {
		t.Fatal("SetZ did not surface the controller error")
	}
	if !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("error = %v, want controller text included", err)
	}
}

func TestLinePortSkipsChatter(t *testing.T) {
	f, port := newTestLinePort(t)

	f.injectBanner("Smoothie command shell", "// action:ready")
	if err := port.SetZ(2); err != nil {
		t.Fatalf("SetZ with banner chatter: %v", err)
	}
}

func TestLinePortStatus(t *testing.T) {
	_, port := newTestLinePort(t)

	s := port.Status()
	if s["steps_per_mm"] != 80.0 {
		t.Errorf("steps_per_mm = %v, want 80", s["steps_per_mm"])
	}
	if s["moving"] != false {
		t.Errorf("moving = %v, want false", s["moving"])
	}
}
