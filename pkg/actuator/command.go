// Package actuator provides a unified controller for a single mechanical
// degree of freedom driven by one or more motor controllers.
//
// A Controller wraps a primary drive unit, any mechanically coupled
// followers, and one or more redundant position/velocity sensors. It exposes
// open-loop (duty cycle, voltage) and closed-loop (velocity, position)
// commands, fuses the redundant sensors into a single reading, and answers
// whether the actuator has arrived at its closed-loop reference.
package actuator

import "fmt"

// Mode identifies how an actuator is currently being driven.
type Mode int

// Control modes.
const (
	ModeIdle Mode = iota
	ModeDutyCycle
	ModeVelocity
	ModePosition
	ModeVoltage
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeDutyCycle:
		return "duty_cycle"
	case ModeVelocity:
		return "velocity"
	case ModePosition:
		return "position"
	case ModeVoltage:
		return "voltage"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ClosedLoop reports whether the mode tracks a reference with feedback.
func (m Mode) ClosedLoop() bool {
	return m == ModeVelocity || m == ModePosition
}

// Command is the last thing an actuator was told to do. It is one of Idle,
// DutyCycle, Velocity, Position or Voltage.
type Command interface {
	Mode() Mode
	command()
}

// Idle means no output has been commanded.
type Idle struct{}

// DutyCycle is an open-loop fractional output in [-1, 1].
type DutyCycle struct {
	Output float64
}

// Velocity is a closed-loop velocity reference.
type Velocity struct {
	Target float64
}

// Position is a closed-loop position reference.
type Position struct {
	Target float64
}

// Voltage is an open-loop voltage output.
type Voltage struct {
	Volts float64
}

func (Idle) Mode() Mode      { return ModeIdle }
func (DutyCycle) Mode() Mode { return ModeDutyCycle }
func (Velocity) Mode() Mode  { return ModeVelocity }
func (Position) Mode() Mode  { return ModePosition }
func (Voltage) Mode() Mode   { return ModeVoltage }

func (Idle) command()      {}
func (DutyCycle) command() {}
func (Velocity) command()  {}
func (Position) command()  {}
func (Voltage) command()   {}

// Reference returns the closed-loop reference carried by cmd, if any.
func Reference(cmd Command) (float64, bool) {
	switch c := cmd.(type) {
	case Velocity:
		return c.Target, true
	case Position:
		return c.Target, true
	default:
		return 0, false
	}
}

// Describe renders a command for logs and telemetry.
func Describe(cmd Command) string {
	switch c := cmd.(type) {
	case Idle:
		return "idle"
	case DutyCycle:
		return fmt.Sprintf("duty_cycle(%.3f)", c.Output)
	case Velocity:
		return fmt.Sprintf("velocity(%.3f)", c.Target)
	case Position:
		return fmt.Sprintf("position(%.3f)", c.Target)
	case Voltage:
		return fmt.Sprintf("voltage(%.2fV)", c.Volts)
	default:
		return fmt.Sprintf("%v", cmd)
	}
}
