// Package sim provides in-memory drive units, sensors and actions that
// stand in for real hardware in tests and dry runs.
//
// Motors follow a simple first-order model: closed-loop position is a
// proportional approach capped at the free speed, velocity references are
// reached immediately, and open-loop outputs scale the free speed.
package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gwillem/mechctl/pkg/actuator"
)

// NominalVoltage maps voltage commands to a fraction of full output.
const NominalVoltage = 12.0

// Motor is a simulated motor controller with an integrated encoder.
type Motor struct {
	FreeSpeed float64 // raw units per second at full output
	Gain      float64 // position loop gain, 1/s

	minOut   float64
	maxOut   float64
	mode     actuator.Mode
	output   float64
	ref      float64
	position float64
	velocity float64
	fault    error
	writes   int

	leader    *Motor
	followers []*Motor
}

// NewMotor returns an idle motor at position zero.
func NewMotor(freeSpeed, gain float64) *Motor {
	return &Motor{FreeSpeed: freeSpeed, Gain: gain, minOut: -1, maxOut: 1}
}

// SetOutputLimits caps closed-loop output to [min, max] of the free speed
// on m and its followers.
func (m *Motor) SetOutputLimits(_ context.Context, min, max float64) error {
	if min >= max {
		return fmt.Errorf("output limits [%v, %v] are not ordered", min, max)
	}
	m.minOut, m.maxOut = min, max
	for _, f := range m.followers {
		f.minOut, f.maxOut = min, max
	}
	return nil
}

func (m *Motor) WriteDutyCycle(_ context.Context, v float64) error {
	return m.command(actuator.ModeDutyCycle, v, 0)
}

func (m *Motor) WriteVoltage(_ context.Context, volts float64) error {
	return m.command(actuator.ModeVoltage, volts/NominalVoltage, 0)
}

func (m *Motor) WriteReference(_ context.Context, v float64, mode actuator.Mode) error {
	if !mode.ClosedLoop() {
		return fmt.Errorf("reference in %s mode: %w", mode, actuator.ErrUnsupported)
	}
	return m.command(mode, 0, v)
}

func (m *Motor) command(mode actuator.Mode, output, ref float64) error {
	if m.fault != nil {
		return m.fault
	}
	m.writes++
	m.mode, m.output, m.ref = mode, output, ref
	for _, f := range m.followers {
		f.mode, f.output, f.ref = mode, output, ref
	}
	return nil
}

// Follow makes m mirror every command written to primary, which must be
// another *Motor.
func (m *Motor) Follow(_ context.Context, primary actuator.Drive) error {
	p, ok := primary.(*Motor)
	if !ok {
		return fmt.Errorf("sim motor cannot follow %T", primary)
	}
	if p == m {
		return fmt.Errorf("motor cannot follow itself")
	}
	m.leader = p
	p.followers = append(p.followers, m)
	m.mode, m.output, m.ref = p.mode, p.output, p.ref
	m.minOut, m.maxOut = p.minOut, p.maxOut
	return nil
}

// Step advances the model by dt.
func (m *Motor) Step(dt time.Duration) {
	switch m.mode {
	case actuator.ModePosition:
		m.velocity = m.limit(m.Gain * (m.ref - m.position))
	case actuator.ModeVelocity:
		m.velocity = m.limit(m.ref)
	case actuator.ModeDutyCycle, actuator.ModeVoltage:
		m.velocity = clamp(m.output, 1) * m.FreeSpeed
	default:
		m.velocity = 0
	}
	m.position += m.velocity * dt.Seconds()
}

// Fail makes every following write return err. Nil clears the fault.
func (m *Motor) Fail(err error) { m.fault = err }

// Place teleports the motor, for scripted tests.
func (m *Motor) Place(position, velocity float64) {
	m.position, m.velocity = position, velocity
}

func (m *Motor) Mode() actuator.Mode { return m.mode }
func (m *Motor) Output() float64     { return m.output }
func (m *Motor) Reference() float64  { return m.ref }
func (m *Motor) Position() float64   { return m.position }
func (m *Motor) Velocity() float64   { return m.velocity }
func (m *Motor) Writes() int         { return m.writes }
func (m *Motor) Leader() *Motor      { return m.leader }

// Encoder reads a motor's position with its own zero offset.
type Encoder struct {
	motor  *Motor
	offset float64
	fault  error
}

// NewEncoder returns an encoder on m that reads bias above the true
// position.
func NewEncoder(m *Motor, bias float64) *Encoder {
	return &Encoder{motor: m, offset: -bias}
}

func (e *Encoder) ReadPosition(context.Context) (float64, error) {
	if e.fault != nil {
		return 0, e.fault
	}
	return e.motor.position - e.offset, nil
}

func (e *Encoder) ReadVelocity(context.Context) (float64, error) {
	if e.fault != nil {
		return 0, e.fault
	}
	return e.motor.velocity, nil
}

func (e *Encoder) ResetPosition(_ context.Context, v float64) error {
	if e.fault != nil {
		return e.fault
	}
	e.offset = e.motor.position - v
	return nil
}

// Fail makes every following read return err. Nil clears the fault.
func (e *Encoder) Fail(err error) { e.fault = err }

// World steps a set of motors together.
type World struct {
	motors []*Motor
}

// Add registers motors with the world.
func (w *World) Add(motors ...*Motor) {
	w.motors = append(w.motors, motors...)
}

// Step advances every motor by dt.
func (w *World) Step(dt time.Duration) {
	for _, m := range w.motors {
		m.Step(dt)
	}
}

// Len returns the number of motors.
func (w *World) Len() int { return len(w.motors) }

// Latch is an end-effector action that stays active from Start until Stop
// or Release.
type Latch struct {
	Err    error // returned by Start when set
	active bool
	starts int
	stops  int
}

func (l *Latch) Start(context.Context) error {
	if l.Err != nil {
		return l.Err
	}
	l.starts++
	l.active = true
	return nil
}

func (l *Latch) Stop(context.Context) error {
	l.stops++
	l.active = false
	return nil
}

// Release ends the action as if it finished by itself.
func (l *Latch) Release() { l.active = false }

func (l *Latch) IsActive() bool { return l.active }
func (l *Latch) Starts() int    { return l.starts }
func (l *Latch) Stops() int     { return l.stops }

// limit caps a closed-loop velocity to the output limits.
func (m *Motor) limit(v float64) float64 {
	lo, hi := m.minOut, m.maxOut
	if lo == 0 && hi == 0 {
		lo, hi = -1, 1
	}
	return math.Max(lo*m.FreeSpeed, math.Min(hi*m.FreeSpeed, v))
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
