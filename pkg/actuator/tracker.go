package actuator

import "math"

// Reading is a fused sensor reading.
type Reading struct {
	Position float64
	Velocity float64

	// Valid is false until at least one sensor has been read (or zeroed)
	// successfully.
	Valid bool

	// Degraded is set when a sensor read or drive write failed on the most
	// recent attempt. Position and Velocity then hold the best value
	// available, which may be stale.
	Degraded bool
}

// Usable reports whether the reading may be used for control decisions.
func (r Reading) Usable() bool {
	return r.Valid && !r.Degraded
}

// Tracker remembers the last command sent to an actuator and decides
// whether a reading is within tolerance of its closed-loop reference.
type Tracker struct {
	cmd     Command
	lastRef float64
	hasRef  bool
}

// NewTracker returns a tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{cmd: Idle{}}
}

// Set records cmd as the current command.
func (t *Tracker) Set(cmd Command) {
	if cmd == nil {
		cmd = Idle{}
	}
	t.cmd = cmd
	if ref, ok := Reference(cmd); ok {
		t.lastRef = ref
		t.hasRef = true
	}
}

// Command returns the current command.
func (t *Tracker) Command() Command {
	return t.cmd
}

// Mode returns the current control mode.
func (t *Tracker) Mode() Mode {
	return t.cmd.Mode()
}

// Reference returns the reference of the current command. It is false in
// open-loop and idle modes.
func (t *Tracker) Reference() (float64, bool) {
	return Reference(t.cmd)
}

// LastReference returns the most recent closed-loop reference, even if an
// open-loop command has been issued since. It is for telemetry only and is
// never used by AtTarget.
func (t *Tracker) LastReference() (float64, bool) {
	return t.lastRef, t.hasRef
}

// AtTarget reports whether r is strictly within threshold of the current
// closed-loop reference. Open-loop and idle commands are never at target,
// and neither is a reading that is invalid or degraded.
func (t *Tracker) AtTarget(r Reading, threshold float64) bool {
	if !r.Usable() {
		return false
	}
	switch c := t.cmd.(type) {
	case Position:
		return math.Abs(r.Position-c.Target) < threshold
	case Velocity:
		return math.Abs(r.Velocity-c.Target) < threshold
	case Idle, DutyCycle, Voltage:
		return false
	default:
		return false
	}
}
