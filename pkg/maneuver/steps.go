package maneuver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/effector"
)

// Step is one stage of a maneuver. Steps hold no per-run state, so one
// template can be instantiated many times.
type Step interface {
	Name() string

	// Activate issues the step's setpoints or starts its action. It runs
	// once when the step becomes current.
	Activate(ctx context.Context) error

	// Poll is the completion predicate, evaluated once per tick.
	Poll(ctx context.Context) bool

	// Deactivate runs once when the step ends for any reason.
	Deactivate(ctx context.Context) error

	// Timeout bounds the step. Zero means the step waits for Poll.
	Timeout() time.Duration
}

// ErrUnknownLevel is returned when a leveled step has no position for the
// requested level.
var ErrUnknownLevel = errors.New("unknown level")

// Levels maps named setpoints, such as "intake" or "l2", to positions in
// mechanism units.
type Levels map[string]float64

// Leveled is implemented by steps whose reference depends on the level a
// run is instantiated at. AtLevel returns a copy of the step bound to
// level and leaves the receiver untouched.
type Leveled interface {
	AtLevel(level string) (Step, error)
}

// Holder is implemented by steps that re-issue their reference on every
// waiting tick.
type Holder interface {
	Hold(ctx context.Context) error
}

// Actuator is the part of an actuator controller that move steps use.
type Actuator interface {
	Name() string
	SetPositionTarget(ctx context.Context, p float64) error
	SetVelocityTarget(ctx context.Context, v float64) error
	AtTarget(threshold float64) bool
}

// Move drives an actuator to a closed-loop reference and completes once it
// is within tolerance.
type Move struct {
	act       Actuator
	mode      actuator.Mode
	levels    Levels // set until bound to a level
	level     string
	target    float64
	tolerance float64
	timeout   time.Duration
	hold      bool
}

// MoveTo moves a to an absolute position.
func MoveTo(a Actuator, position, tolerance float64) *Move {
	return &Move{act: a, mode: actuator.ModePosition, target: position, tolerance: tolerance}
}

// MoveToLevel moves a to the position of the level its run is
// instantiated at.
func MoveToLevel(a Actuator, levels Levels, tolerance float64) *Move {
	return &Move{act: a, mode: actuator.ModePosition, levels: levels, tolerance: tolerance}
}

// SpinAt runs a at a velocity and completes once the velocity is reached.
func SpinAt(a Actuator, velocity, tolerance float64) *Move {
	return &Move{act: a, mode: actuator.ModeVelocity, target: velocity, tolerance: tolerance}
}

// WithTimeout lets the maneuver move on after d even if the actuator has
// not arrived.
func (m *Move) WithTimeout(d time.Duration) *Move {
	m.timeout = d
	return m
}

// Holding re-issues the reference on every waiting tick.
func (m *Move) Holding() *Move {
	m.hold = true
	return m
}

func (m *Move) Name() string {
	switch {
	case m.levels != nil:
		return fmt.Sprintf("%s %s by level", m.act.Name(), m.mode)
	case m.level != "":
		return fmt.Sprintf("%s %s %g (%s)", m.act.Name(), m.mode, m.target, m.level)
	}
	return fmt.Sprintf("%s %s %g", m.act.Name(), m.mode, m.target)
}

// Actuator returns the actuator the step drives.
func (m *Move) Actuator() Actuator { return m.act }

// Actuators names the actuator the step drives.
func (m *Move) Actuators() []string { return []string{m.act.Name()} }

// AtLevel binds a MoveToLevel step to level. Other moves are returned
// unchanged.
func (m *Move) AtLevel(level string) (Step, error) {
	if m.levels == nil {
		return m, nil
	}
	p, ok := m.levels[level]
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", m.act.Name(), ErrUnknownLevel, level)
	}
	bound := *m
	bound.levels, bound.level, bound.target = nil, level, p
	return &bound, nil
}

func (m *Move) Activate(ctx context.Context) error {
	if m.levels != nil {
		return fmt.Errorf("%s: %w: no level selected", m.act.Name(), ErrUnknownLevel)
	}
	if m.mode == actuator.ModeVelocity {
		return m.act.SetVelocityTarget(ctx, m.target)
	}
	return m.act.SetPositionTarget(ctx, m.target)
}

func (m *Move) Hold(ctx context.Context) error {
	if !m.hold {
		return nil
	}
	return m.Activate(ctx)
}

func (m *Move) Poll(context.Context) bool {
	return m.act.AtTarget(m.tolerance)
}

func (m *Move) Deactivate(context.Context) error { return nil }

func (m *Move) Timeout() time.Duration { return m.timeout }

// ActionStep runs an end-effector action until it finishes by itself or the
// timeout elapses. The action is stopped either way.
type ActionStep struct {
	name    string
	action  effector.Action
	timeout time.Duration
}

// Perform returns a step running action for at most timeout. A zero
// timeout waits for the action to finish.
func Perform(name string, action effector.Action, timeout time.Duration) *ActionStep {
	return &ActionStep{name: name, action: action, timeout: timeout}
}

func (p *ActionStep) Name() string                         { return p.name }
func (p *ActionStep) Activate(ctx context.Context) error   { return p.action.Start(ctx) }
func (p *ActionStep) Poll(context.Context) bool            { return !p.action.IsActive() }
func (p *ActionStep) Deactivate(ctx context.Context) error { return p.action.Stop(ctx) }
func (p *ActionStep) Timeout() time.Duration               { return p.timeout }

// Actuators names the actuator the action runs on, if it reports one.
func (p *ActionStep) Actuators() []string {
	if d, ok := p.action.(effector.Driven); ok {
		return []string{d.Actuator()}
	}
	return nil
}

// Wait completes when its condition holds.
type Wait struct {
	name    string
	cond    func() bool
	timeout time.Duration
}

// WaitUntil waits for cond. A nil cond never holds.
func WaitUntil(name string, cond func() bool) *Wait {
	return &Wait{name: name, cond: cond}
}

// Delay waits for d. A non-positive d completes on the first poll.
func Delay(d time.Duration) *Wait {
	w := &Wait{name: fmt.Sprintf("wait %s", d), timeout: d}
	if d <= 0 {
		w.cond = func() bool { return true }
	}
	return w
}

// WithTimeout bounds the wait.
func (w *Wait) WithTimeout(d time.Duration) *Wait {
	w.timeout = d
	return w
}

func (w *Wait) Name() string                     { return w.name }
func (w *Wait) Activate(context.Context) error   { return nil }
func (w *Wait) Deactivate(context.Context) error { return nil }
func (w *Wait) Timeout() time.Duration           { return w.timeout }

func (w *Wait) Poll(context.Context) bool {
	return w.cond != nil && w.cond()
}
