package motion

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deltacal/pkg/kinematics"
)

// Simulator defaults.
const (
	DefaultStepsPerMM   = 80.0
	DefaultAcceleration = 1000.0 // mm/s^2
	DefaultTickHz       = 1000.0
)

// maxVirtualTicks bounds a single WaitIdle in virtual-time mode so a
// misconfigured move cannot spin forever.
const maxVirtualTicks = 200_000_000

// SimConfig describes a simulated delta machine.
type SimConfig struct {
	// Model is the planning model. It is shared with the calibration
	// engine: corrections written there take effect on the next
	// planned move, closing the calibration loop.
	Model *kinematics.Delta

	StepsPerMM   float64
	Height       float64 // carriage travel from endstop to bed plane (mm)
	Acceleration float64 // mm/s^2 for ramped moves
	TickHz       float64 // stepper tick rate
	MinRate      float64 // floor step rate in steps/s for ramped moves

	// TrueGeometry is the physical geometry the machine actually has.
	// The zero value mirrors the planning model at construction (with
	// the default tower layout), describing a perfectly built machine.
	TrueGeometry kinematics.DeltaConfig

	// EndstopError holds the physical per-tower endstop placement
	// error in mm; calibration discovers it through the probe.
	EndstopError [3]float64

	// Virtual disables the wall-clock ticker. Time then advances only
	// through Step and Advance, which makes runs deterministic.
	Virtual bool
}

// axisState is the per-axis stepper state. The tick task owns carry;
// everything else is shared through atomics so the tick stays lock-free.
type axisState struct {
	moving    atomic.Bool
	dir       atomic.Int64  // +1 or -1
	remaining atomic.Int64  // unsigned steps left in the move
	stepped   atomic.Int64  // signed steps since the move started
	rate      atomic.Uint64 // float bits, steps/s
	target    atomic.Uint64 // float bits, steps/s
	ramp      atomic.Bool
	carry     float64 // fractional step accumulator
}

// Sim is a simulated delta machine implementing Port. It plans moves
// with the shared model while contact against the bed is decided by a
// private true-geometry model plus endstop errors and trims, so probing
// observes exactly the miscalibration the model has not learned yet.
type Sim struct {
	model     *kinematics.Delta
	trueModel *kinematics.Delta

	spmm         float64
	height       float64
	tickHz       float64
	minRate      float64
	accelPerTick float64 // steps/s gained per tick while ramping
	virtual      bool

	axes [3]axisState

	mu         sync.Mutex
	act        [3]float64 // commanded actuator positions at last settle
	cart       [3]float64 // commanded cartesian position
	delta      [3]float64 // physical carriage offset: endstop error + trim
	trims      [3]float64 // applied at the next home
	endstopErr [3]float64 // endstop placement error
	homed      bool

	stop chan struct{}
	done chan struct{}
}

// NewSim creates a simulated machine.
func NewSim(cfg SimConfig) (*Sim, error) {
	if cfg.Model == nil {
		return nil, errors.New("sim: model is required")
	}
	if cfg.Height <= 0 {
		return nil, errors.New("sim: height must be positive")
	}
	if cfg.StepsPerMM <= 0 {
		cfg.StepsPerMM = DefaultStepsPerMM
	}
	if cfg.Acceleration <= 0 {
		cfg.Acceleration = DefaultAcceleration
	}
	if cfg.TickHz <= 0 {
		cfg.TickHz = DefaultTickHz
	}

	trueCfg := cfg.TrueGeometry
	if trueCfg == (kinematics.DeltaConfig{}) {
		c := cfg.Model.Corrections()
		trueCfg = kinematics.DeltaConfig{
			ArmLength:    c.ArmLength,
			Radius:       c.Radius,
			RadiusOffset: c.RadiusOffset,
			AngleOffset:  c.AngleOffset,
		}
	}
	trueModel, err := kinematics.NewDelta(trueCfg)
	if err != nil {
		return nil, errors.Wrap(err, "sim: true geometry")
	}

	h := cfg.Height
	if z := cfg.Model.ActuatorToCartesian([3]float64{h, h, h})[2]; z <= 0 {
		return nil, errors.Errorf("sim: home position sits %.3f mm below the bed", -z)
	}

	s := &Sim{
		model:        cfg.Model,
		trueModel:    trueModel,
		spmm:         cfg.StepsPerMM,
		height:       h,
		tickHz:       cfg.TickHz,
		minRate:      cfg.MinRate,
		accelPerTick: cfg.Acceleration / cfg.TickHz * cfg.StepsPerMM,
		virtual:      cfg.Virtual,
		endstopErr:   cfg.EndstopError,
	}
	return s, nil
}

// Start launches the wall-clock tick task. In virtual mode it is a
// no-op; advance time with Step or Advance instead.
func (s *Sim) Start() {
	if s.virtual || s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	interval := time.Duration(float64(time.Second) / s.tickHz)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stop:
				return
			}
		}
	}()
	logrus.Debugf("sim tick task started at %.0f Hz", s.tickHz)
}

// Close stops the tick task.
func (s *Sim) Close() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

// Step advances virtual time by one tick.
func (s *Sim) Step() {
	s.tick()
}

// Advance advances virtual time by the given duration.
func (s *Sim) Advance(d time.Duration) {
	n := int(d.Seconds() * s.tickHz)
	for i := 0; i < n; i++ {
		s.tick()
	}
}

// tick ramps each moving axis toward its target rate and emits steps.
// Lock-free and constant-time per axis: it touches only the per-axis
// atomics plus the carry it exclusively owns.
func (s *Sim) tick() {
	for i := range s.axes {
		ax := &s.axes[i]
		if !ax.moving.Load() {
			continue
		}
		rate := math.Float64frombits(ax.rate.Load())
		target := math.Float64frombits(ax.target.Load())
		if ax.ramp.Load() && rate < target {
			rate += s.accelPerTick
			if rate > target {
				rate = target
			}
			if rate < s.minRate {
				rate = s.minRate
			}
			ax.rate.Store(math.Float64bits(rate))
		}
		ax.carry += rate / s.tickHz
		n := int64(ax.carry)
		if n == 0 {
			continue
		}
		ax.carry -= float64(n)
		if rem := ax.remaining.Load(); n > rem {
			n = rem
		}
		ax.stepped.Add(n * ax.dir.Load())
		if ax.remaining.Add(-n) <= 0 {
			ax.moving.Store(false)
		}
	}
}

// settleLocked folds finished step counts into the commanded actuator
// positions. Callers hold mu and must know the axes are at rest.
func (s *Sim) settleLocked() {
	for i := range s.axes {
		if n := s.axes[i].stepped.Swap(0); n != 0 {
			s.act[i] += float64(n) / s.spmm
		}
	}
}

// Home stops all motion, drives the carriages to their endstops and
// re-establishes the reference frame. Trims take effect here: the
// physical carriage offset becomes endstop error plus current trim.
func (s *Sim) Home() error {
	s.StopAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	s.act = [3]float64{s.height, s.height, s.height}
	s.cart = s.model.ActuatorToCartesian(s.act)
	for i := 0; i < 3; i++ {
		s.delta[i] = s.endstopErr[i] + s.trims[i]
	}
	s.homed = true
	logrus.Debugf("sim homed, effector at z=%.3f", s.cart[2])
	return nil
}

// MoveTo runs a coordinated move to (x, y) at the current Z.
func (s *Sim) MoveTo(x, y, feedrate float64) error {
	s.mu.Lock()
	target := [3]float64{x, y, s.cart[2]}
	s.mu.Unlock()
	return s.moveToCart(target, feedrate)
}

// MoveZ runs a relative Z move.
func (s *Sim) MoveZ(dz, feedrate float64) error {
	s.mu.Lock()
	target := [3]float64{s.cart[0], s.cart[1], s.cart[2] + dz}
	s.mu.Unlock()
	return s.moveToCart(target, feedrate)
}

func (s *Sim) moveToCart(target [3]float64, feedrate float64) error {
	if feedrate <= 0 {
		return errors.New("sim: feedrate must be positive")
	}
	s.mu.Lock()
	if !s.homed {
		s.mu.Unlock()
		return errors.New("must home axis first")
	}
	start := s.cart
	s.mu.Unlock()

	targetAct, err := s.model.CartesianToActuator(target)
	if err != nil {
		return err
	}

	dist := math.Sqrt(vdist2(start, target))
	if dist == 0 {
		return nil
	}
	duration := dist / feedrate

	s.mu.Lock()
	s.settleLocked()
	var steps [3]int64
	for i := 0; i < 3; i++ {
		steps[i] = int64(math.Round((targetAct[i] - s.act[i]) * s.spmm))
	}
	s.mu.Unlock()

	for i := 0; i < 3; i++ {
		if steps[i] == 0 {
			continue
		}
		rate := math.Abs(float64(steps[i])) / duration / s.spmm
		if err := s.StartSteps(i, steps[i], rate, false); err != nil {
			s.StopAll()
			return err
		}
	}
	if err := s.WaitIdle(); err != nil {
		return err
	}

	// Snap to the exact target, absorbing sub-step rounding.
	s.mu.Lock()
	s.settleLocked()
	s.act = targetAct
	s.cart = target
	s.mu.Unlock()
	return nil
}

// StartSteps starts a raw step move on one axis.
func (s *Sim) StartSteps(axis int, steps int64, feedrate float64, ramp bool) error {
	if axis < 0 || axis > 2 {
		return errors.Errorf("sim: invalid axis %d", axis)
	}
	if steps == 0 {
		return nil
	}
	if feedrate <= 0 {
		return errors.New("sim: feedrate must be positive")
	}
	ax := &s.axes[axis]
	if ax.moving.Load() {
		return errors.Errorf("sim: axis %d already moving", axis)
	}

	// Fold only this axis; the others may be mid-move.
	s.mu.Lock()
	if n := ax.stepped.Swap(0); n != 0 {
		s.act[axis] += float64(n) / s.spmm
	}
	s.mu.Unlock()

	dir := int64(1)
	if steps < 0 {
		dir = -1
		steps = -steps
	}
	target := feedrate * s.spmm
	initial := target
	if ramp {
		initial = s.minRate
	}
	ax.dir.Store(dir)
	ax.remaining.Store(steps)
	ax.rate.Store(math.Float64bits(initial))
	ax.target.Store(math.Float64bits(target))
	ax.ramp.Store(ramp)
	ax.carry = 0
	ax.moving.Store(true)
	return nil
}

// Moving reports whether the axis is currently moving.
func (s *Sim) Moving(axis int) bool {
	return s.axes[axis].moving.Load()
}

// AnyMoving reports whether any axis is currently moving.
func (s *Sim) AnyMoving() bool {
	return s.axes[0].moving.Load() || s.axes[1].moving.Load() || s.axes[2].moving.Load()
}

// StopAll stops every moving axis immediately.
func (s *Sim) StopAll() {
	for i := range s.axes {
		ax := &s.axes[i]
		if ax.moving.Load() {
			ax.remaining.Store(0)
			ax.moving.Store(false)
		}
	}
}

// Stepped returns the signed step count accumulated by the axis since
// its move started.
func (s *Sim) Stepped(axis int) int64 {
	return s.axes[axis].stepped.Load()
}

// StepsPerMM returns the actuator resolution.
func (s *Sim) StepsPerMM() float64 {
	return s.spmm
}

// WaitIdle blocks until every axis is at rest. In virtual mode it
// drives the tick itself.
func (s *Sim) WaitIdle() error {
	if s.virtual {
		for i := 0; s.AnyMoving(); i++ {
			if i > maxVirtualTicks {
				return errors.New("sim: move did not finish")
			}
			s.tick()
		}
		return nil
	}
	for s.AnyMoving() {
		time.Sleep(500 * time.Microsecond)
	}
	return nil
}

// SetZ redefines the current Z coordinate without moving. The physical
// position is unchanged; the frame shift is folded into the carriage
// offsets so later moves plan against the new coordinate.
func (s *Sim) SetZ(z float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.homed {
		return errors.New("must home axis first")
	}
	s.settleLocked()

	cart := [3]float64{s.cart[0], s.cart[1], z}
	act, err := s.model.CartesianToActuator(cart)
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		s.delta[i] += s.act[i] - act[i]
	}
	s.act = act
	s.cart = cart
	return nil
}

// Contact reports whether the effector is touching the bed, judged
// against the true geometry. Adapt it to the probe sensor interface
// with probe.SensorFunc(sim.Contact).
func (s *Sim) Contact() (bool, error) {
	s.mu.Lock()
	var trueAct [3]float64
	for i := 0; i < 3; i++ {
		trueAct[i] = s.act[i] + float64(s.axes[i].stepped.Load())/s.spmm + s.delta[i]
	}
	s.mu.Unlock()
	z := s.trueModel.ActuatorToCartesian(trueAct)[2]
	return z <= 0, nil
}

// Trims returns the current per-axis endstop trims.
func (s *Sim) Trims() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trims, nil
}

// SetTrims replaces the per-axis endstop trims. They take effect at the
// next home.
func (s *Sim) SetTrims(trims [3]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trims = trims
	return nil
}

// Status reports the simulated machine state.
func (s *Sim) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"homed":        s.homed,
		"moving":       [3]bool{s.Moving(0), s.Moving(1), s.Moving(2)},
		"position":     s.cart,
		"actuator":     s.act,
		"trims":        s.trims,
		"steps_per_mm": s.spmm,
	}
}

func vdist2(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}
