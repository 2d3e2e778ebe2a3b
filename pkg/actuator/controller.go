package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxVoltage is used when Config.MaxVoltage is zero.
const DefaultMaxVoltage = 12.0

// Config holds the fixed parameters of an actuator. It is copied at
// construction and never changes afterwards.
type Config struct {
	Name string

	// Position limits in mechanism units. Limits are enforced only when
	// MaxPosition > MinPosition.
	MinPosition float64
	MaxPosition float64

	// MaxVelocity bounds |velocity| references. Zero disables the check.
	MaxVelocity float64

	// MaxVoltage bounds |volts|. Zero means DefaultMaxVoltage.
	MaxVoltage float64

	// Output limits in [-1, 1]. Duty cycles outside them are rejected, and
	// drives implementing OutputLimiter also cap their closed-loop output.
	// Both zero means -1 and 1.
	MinOutput float64
	MaxOutput float64

	// Raw sensor units are multiplied by these to get mechanism units.
	// Zero means 1.
	PositionFactor float64
	VelocityFactor float64

	// Fusion combines redundant sensors. Nil means Mean.
	Fusion Fusion
}

func (c Config) withDefaults() Config {
	if c.MaxVoltage == 0 {
		c.MaxVoltage = DefaultMaxVoltage
	}
	if c.MinOutput == 0 && c.MaxOutput == 0 {
		c.MinOutput, c.MaxOutput = -1, 1
	}
	if c.PositionFactor == 0 {
		c.PositionFactor = 1
	}
	if c.VelocityFactor == 0 {
		c.VelocityFactor = 1
	}
	if c.Fusion == nil {
		c.Fusion = Mean{}
	}
	return c
}

func (c Config) positionLimited() bool {
	return c.MaxPosition > c.MinPosition
}

// Status is a telemetry snapshot of a controller.
type Status struct {
	Name         string
	Mode         Mode
	Command      string
	Reference    float64
	HasReference bool
	Position     float64
	Velocity     float64
	Valid        bool
	Degraded     bool
	Fault        error
	Rejected     int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for rejections and faults.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// Controller drives one actuator. It is not safe for concurrent use; the
// host scheduler serializes all calls.
type Controller struct {
	cfg       Config
	primary   Drive
	followers []Follower
	sensors   []Sensor
	tracker   *Tracker
	log       *zap.Logger

	reading     Reading
	sensorFault error
	driveFault  error
	rejected    int
}

// New builds a controller and asks every follower to follow the primary.
func New(ctx context.Context, cfg Config, hw Hardware, opts ...Option) (*Controller, error) {
	if cfg.Name == "" {
		return nil, errors.New("actuator name is required")
	}
	if hw.Primary == nil {
		return nil, fmt.Errorf("%s: primary drive is required", cfg.Name)
	}
	if len(hw.Sensors) == 0 {
		return nil, fmt.Errorf("%s: at least one sensor is required", cfg.Name)
	}
	cfg = cfg.withDefaults()
	if cfg.MinOutput < -1 || cfg.MaxOutput > 1 || cfg.MinOutput >= cfg.MaxOutput {
		return nil, fmt.Errorf("%s: output limits [%v, %v] must be ordered within [-1, 1]", cfg.Name, cfg.MinOutput, cfg.MaxOutput)
	}
	c := &Controller{
		cfg:       cfg,
		primary:   hw.Primary,
		followers: hw.Followers,
		sensors:   hw.Sensors,
		tracker:   NewTracker(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("actuator", cfg.Name))

	for i, f := range c.followers {
		if err := f.Follow(ctx, c.primary); err != nil {
			return nil, fmt.Errorf("%s: follower %d: %w", cfg.Name, i, err)
		}
	}
	if l, ok := c.primary.(OutputLimiter); ok {
		if err := l.SetOutputLimits(ctx, cfg.MinOutput, cfg.MaxOutput); err != nil {
			return nil, fmt.Errorf("%s: output limits: %w", cfg.Name, err)
		}
	}
	return c, nil
}

// Name returns the actuator's logical name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// DriveOpenLoop sets a duty cycle within the output limits on the primary.
func (c *Controller) DriveOpenLoop(ctx context.Context, output float64) error {
	return c.apply(ctx, DutyCycle{Output: output})
}

// DriveVoltage sets an open-loop voltage on the primary.
func (c *Controller) DriveVoltage(ctx context.Context, volts float64) error {
	return c.apply(ctx, Voltage{Volts: volts})
}

// SetVelocityTarget sends a closed-loop velocity reference.
func (c *Controller) SetVelocityTarget(ctx context.Context, v float64) error {
	return c.apply(ctx, Velocity{Target: v})
}

// SetPositionTarget sends a closed-loop position reference.
func (c *Controller) SetPositionTarget(ctx context.Context, p float64) error {
	return c.apply(ctx, Position{Target: p})
}

// Stop commands zero output and returns the controller to Idle.
func (c *Controller) Stop(ctx context.Context) error {
	return c.apply(ctx, Idle{})
}

// apply validates and writes cmd. Only rejected commands produce an error;
// hardware faults are recorded and surface through Reading and Status.
func (c *Controller) apply(ctx context.Context, cmd Command) error {
	if err := c.validate(cmd); err != nil {
		return c.reject(cmd, err)
	}

	err := c.write(ctx, cmd)
	if errors.Is(err, ErrUnsupported) {
		return c.reject(cmd, err)
	}

	c.tracker.Set(cmd)
	if err != nil {
		if c.driveFault == nil {
			c.log.Warn("drive write failed", zap.String("command", Describe(cmd)), zap.Error(err))
		}
		c.driveFault = err
		c.reading.Degraded = true
		return nil
	}
	if c.driveFault != nil {
		c.log.Info("drive recovered", zap.String("command", Describe(cmd)))
	}
	c.driveFault = nil
	c.reading.Degraded = c.degraded()
	return nil
}

func (c *Controller) reject(cmd Command, cause error) error {
	c.rejected++
	c.log.Warn("command rejected",
		zap.String("command", Describe(cmd)),
		zap.String("kept", Describe(c.tracker.Command())),
		zap.Error(cause),
	)
	return fmt.Errorf("%s: %s: %w: %w", c.cfg.Name, Describe(cmd), ErrInvalidCommand, cause)
}

func (c *Controller) validate(cmd Command) error {
	switch v := cmd.(type) {
	case Idle:
		return nil
	case DutyCycle:
		if !finite(v.Output) || v.Output < c.cfg.MinOutput || v.Output > c.cfg.MaxOutput {
			return fmt.Errorf("duty cycle %v outside [%v, %v]", v.Output, c.cfg.MinOutput, c.cfg.MaxOutput)
		}
	case Voltage:
		if !finite(v.Volts) || math.Abs(v.Volts) > c.cfg.MaxVoltage {
			return fmt.Errorf("voltage %v exceeds ±%v", v.Volts, c.cfg.MaxVoltage)
		}
	case Velocity:
		if !finite(v.Target) {
			return fmt.Errorf("velocity %v is not finite", v.Target)
		}
		if c.cfg.MaxVelocity > 0 && math.Abs(v.Target) > c.cfg.MaxVelocity {
			return fmt.Errorf("velocity %v exceeds ±%v", v.Target, c.cfg.MaxVelocity)
		}
	case Position:
		if !finite(v.Target) {
			return fmt.Errorf("position %v is not finite", v.Target)
		}
		if c.cfg.positionLimited() && (v.Target < c.cfg.MinPosition || v.Target > c.cfg.MaxPosition) {
			return fmt.Errorf("position %v outside [%v, %v]", v.Target, c.cfg.MinPosition, c.cfg.MaxPosition)
		}
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
	return nil
}

func (c *Controller) write(ctx context.Context, cmd Command) error {
	switch v := cmd.(type) {
	case Idle:
		return c.primary.WriteDutyCycle(ctx, 0)
	case DutyCycle:
		return c.primary.WriteDutyCycle(ctx, v.Output)
	case Voltage:
		return c.primary.WriteVoltage(ctx, v.Volts)
	case Velocity:
		return c.primary.WriteReference(ctx, v.Target/c.cfg.VelocityFactor, ModeVelocity)
	case Position:
		return c.primary.WriteReference(ctx, v.Target/c.cfg.PositionFactor, ModePosition)
	}
	return fmt.Errorf("unknown command %T", cmd)
}

// Update reads every sensor and refreshes the fused reading. Sensors that
// fail are left out of the fusion; if none succeed, or the fusion of the
// healthy ones is undefined, the last-known values are kept. Any failure
// marks the reading degraded.
func (c *Controller) Update(ctx context.Context) Reading {
	positions := make([]Sample, 0, len(c.sensors))
	velocities := make([]Sample, 0, len(c.sensors))

	var faults error
	for i, s := range c.sensors {
		p, err := s.ReadPosition(ctx)
		if err != nil {
			faults = multierr.Append(faults, fmt.Errorf("sensor %d position: %w", i, err))
			continue
		}
		v, err := s.ReadVelocity(ctx)
		if err != nil {
			faults = multierr.Append(faults, fmt.Errorf("sensor %d velocity: %w", i, err))
			continue
		}
		positions = append(positions, Sample{Sensor: i, Value: p * c.cfg.PositionFactor})
		velocities = append(velocities, Sample{Sensor: i, Value: v * c.cfg.VelocityFactor})
	}

	if len(positions) > 0 {
		p, v := c.cfg.Fusion.Fuse(positions), c.cfg.Fusion.Fuse(velocities)
		if finite(p) && finite(v) {
			c.reading.Position, c.reading.Velocity = p, v
			c.reading.Valid = true
		} else {
			faults = multierr.Append(faults, ErrNoFusion)
		}
	}

	if faults != nil && c.sensorFault == nil {
		c.log.Warn("sensor read failed", zap.Int("healthy", len(positions)), zap.Error(faults))
	} else if faults == nil && c.sensorFault != nil {
		c.log.Info("sensors recovered")
	}
	c.sensorFault = faults
	c.reading.Degraded = c.degraded()
	return c.reading
}

// Zero resets every sensor so the fused position reads position. The
// command is left untouched.
func (c *Controller) Zero(ctx context.Context, position float64) error {
	if !finite(position) {
		return fmt.Errorf("%s: zero %v: %w", c.cfg.Name, position, ErrInvalidCommand)
	}
	raw := position / c.cfg.PositionFactor

	var errs error
	for i, s := range c.sensors {
		if err := s.ResetPosition(ctx, raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sensor %d: %w", i, err))
		}
	}
	if errs != nil {
		c.sensorFault = errs
		c.reading.Degraded = true
		c.log.Warn("zero failed", zap.Float64("position", position), zap.Error(errs))
		return fmt.Errorf("%s: zero: %w", c.cfg.Name, errs)
	}

	c.reading.Position = position
	c.reading.Valid = true
	c.sensorFault = nil
	c.reading.Degraded = c.degraded()
	c.log.Info("zeroed", zap.Float64("position", position))
	return nil
}

// Position returns the fused position from the last Update or Zero.
func (c *Controller) Position() float64 {
	return c.reading.Position
}

// Velocity returns the fused velocity from the last Update.
func (c *Controller) Velocity() float64 {
	return c.reading.Velocity
}

// Reading returns the last fused reading.
func (c *Controller) Reading() Reading {
	return c.reading
}

// Command returns the current command.
func (c *Controller) Command() Command {
	return c.tracker.Command()
}

// Mode returns the current control mode.
func (c *Controller) Mode() Mode {
	return c.tracker.Mode()
}

// AtTarget reports whether the fused reading is strictly within threshold
// of the closed-loop reference. It is false in open-loop modes and while
// the reading is degraded.
func (c *Controller) AtTarget(threshold float64) bool {
	return c.tracker.AtTarget(c.reading, threshold)
}

// Status returns a telemetry snapshot.
func (c *Controller) Status() Status {
	ref, hasRef := c.tracker.Reference()
	return Status{
		Name:         c.cfg.Name,
		Mode:         c.tracker.Mode(),
		Command:      Describe(c.tracker.Command()),
		Reference:    ref,
		HasReference: hasRef,
		Position:     c.reading.Position,
		Velocity:     c.reading.Velocity,
		Valid:        c.reading.Valid,
		Degraded:     c.reading.Degraded,
		Fault:        multierr.Append(c.driveFault, c.sensorFault),
		Rejected:     c.rejected,
	}
}

func (c *Controller) degraded() bool {
	return c.sensorFault != nil || c.driveFault != nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
