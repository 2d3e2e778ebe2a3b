// Package servobus binds actuators to Feetech STS serial-bus servos.
//
// Servos run their own position loop, so a Servo supports closed-loop
// position references only. Zeroing shifts a software offset, which
// Servo.Calibration folds into the homing offset so it can be saved.
package servobus

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/mechctl/pkg/actuator"
)

// Default bus settings for STS servos.
const (
	DefaultBaudRate = 1_000_000
	DefaultTimeout  = 100 * time.Millisecond
)

// Config holds the serial settings of a bus.
type Config struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// Bus is an open servo bus.
type Bus struct {
	bus *feetech.Bus
	now func() time.Time
}

// Open opens the serial bus.
func Open(cfg Config) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus %s: %w", cfg.Port, err)
	}
	return &Bus{bus: bus, now: time.Now}, nil
}

// Close closes the bus connection.
func (b *Bus) Close() error {
	return b.bus.Close()
}

// Scan lists the servos answering with IDs in [from, to].
func (b *Bus) Scan(ctx context.Context, from, to int) ([]feetech.FoundServo, error) {
	return b.bus.Scan(ctx, from, to)
}

// RawPositions reads the raw encoder positions of the given servos with one
// sync read.
func (b *Bus) RawPositions(ctx context.Context, ids ...int) (map[int]int, error) {
	positions, err := feetech.NewServoGroupByIDs(b.bus, ids...).Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	out := make(map[int]int, len(positions))
	for id, raw := range positions {
		out[id] = raw
	}
	return out, nil
}

// Release disables torque on the given servos so they can be moved by hand.
func (b *Bus) Release(ctx context.Context, ids ...int) error {
	return feetech.NewServoGroupByIDs(b.bus, ids...).DisableAll(ctx)
}

// Identify wiggles a servo briefly so a person can tell which joint it
// drives. Torque is released afterwards.
func (b *Bus) Identify(ctx context.Context, found feetech.FoundServo) error {
	servo := feetech.NewServo(b.bus, found.ID, found.Model)

	origin, err := servo.Position(ctx)
	if err != nil {
		return fmt.Errorf("servo %d: read position: %w", found.ID, err)
	}
	if err := servo.Enable(ctx); err != nil {
		return fmt.Errorf("servo %d: enable: %w", found.ID, err)
	}
	defer servo.Disable(ctx)

	const (
		amount = 30
		moveMs = 500
	)
	for _, pos := range []int{origin + amount, origin - amount, origin} {
		if err := servo.SetPositionWithTime(ctx, pos, moveMs); err != nil {
			return fmt.Errorf("servo %d: move: %w", found.ID, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After((moveMs + 100) * time.Millisecond):
		}
	}
	return nil
}

// Servo binds one servo on the bus.
func (b *Bus) Servo(cal Calibration) *Servo {
	return &Servo{
		bus:   b,
		cal:   cal,
		read:  feetech.NewServoGroupByIDs(b.bus, cal.ID),
		write: feetech.NewServoGroupByIDs(b.bus, cal.ID),
	}
}

// Servo is a Feetech servo used as a drive unit, follower and sensor.
type Servo struct {
	bus       *Bus
	cal       Calibration
	read      *feetech.ServoGroup
	write     *feetech.ServoGroup
	followers []*Servo
	torque    bool
	offset    float64
	vel       estimator
}

// ID returns the servo ID.
func (s *Servo) ID() int { return s.cal.ID }

// Calibration returns the servo calibration with the software zero folded
// into the homing offset, ready to be saved.
func (s *Servo) Calibration() Calibration {
	c := s.cal
	shift := s.offset / 200 * float64(c.RangeMax-c.RangeMin)
	if c.Inverted() {
		shift = -shift
	}
	c.HomingOffset += int(math.Round(shift))
	return c
}

// Enable turns on torque for the servo and its followers.
func (s *Servo) Enable(ctx context.Context) error {
	if err := s.write.EnableAll(ctx); err != nil {
		return fmt.Errorf("servo %d: enable: %w", s.cal.ID, err)
	}
	s.torque = true
	return nil
}

// Disable turns off torque for the servo and its followers.
func (s *Servo) Disable(ctx context.Context) error {
	if err := s.write.DisableAll(ctx); err != nil {
		return fmt.Errorf("servo %d: disable: %w", s.cal.ID, err)
	}
	s.torque = false
	return nil
}

// WriteDutyCycle supports only zero, which releases torque.
func (s *Servo) WriteDutyCycle(ctx context.Context, value float64) error {
	if value != 0 {
		return fmt.Errorf("servo %d: duty cycle: %w", s.cal.ID, actuator.ErrUnsupported)
	}
	return s.Disable(ctx)
}

func (s *Servo) WriteVoltage(context.Context, float64) error {
	return fmt.Errorf("servo %d: voltage: %w", s.cal.ID, actuator.ErrUnsupported)
}

// WriteReference sends a position in normalized units to the servo and,
// with the same sync write, to its followers.
func (s *Servo) WriteReference(ctx context.Context, value float64, mode actuator.Mode) error {
	if mode != actuator.ModePosition {
		return fmt.Errorf("servo %d: %s reference: %w", s.cal.ID, mode, actuator.ErrUnsupported)
	}
	if !s.torque {
		if err := s.Enable(ctx); err != nil {
			return err
		}
	}

	positions := feetech.PositionMap{s.cal.ID: s.cal.Denormalize(value + s.offset)}
	for _, f := range s.followers {
		positions[f.cal.ID] = f.cal.Denormalize(value + f.offset)
	}
	if err := s.write.SetPositions(ctx, positions); err != nil {
		return fmt.Errorf("servo %d: write position: %w", s.cal.ID, err)
	}
	return nil
}

// Follow adds s to primary's sync writes. Primary must be a Servo on the
// same bus.
func (s *Servo) Follow(_ context.Context, primary actuator.Drive) error {
	p, ok := primary.(*Servo)
	if !ok {
		return fmt.Errorf("servo %d cannot follow %T", s.cal.ID, primary)
	}
	if p == s || p.bus != s.bus {
		return fmt.Errorf("servo %d cannot follow servo %d", s.cal.ID, p.cal.ID)
	}
	p.followers = append(p.followers, s)

	ids := []int{p.cal.ID}
	for _, f := range p.followers {
		ids = append(ids, f.cal.ID)
	}
	p.write = feetech.NewServoGroupByIDs(p.bus.bus, ids...)
	return nil
}

// ReadPosition reads the normalized position and updates the velocity
// estimate.
func (s *Servo) ReadPosition(ctx context.Context) (float64, error) {
	raw, err := s.readRaw(ctx)
	if err != nil {
		return 0, err
	}
	pos := s.cal.Normalize(raw) - s.offset
	s.vel.observe(pos, s.bus.now())
	return pos, nil
}

// ReadVelocity returns the velocity estimated from the last two position
// reads, in normalized units per second.
func (s *Servo) ReadVelocity(context.Context) (float64, error) {
	return s.vel.velocity, nil
}

// ResetPosition shifts the software zero so the current position reads
// value.
func (s *Servo) ResetPosition(ctx context.Context, value float64) error {
	raw, err := s.readRaw(ctx)
	if err != nil {
		return err
	}
	s.offset = s.cal.Normalize(raw) - value
	s.vel.reset(value, s.bus.now())
	return nil
}

func (s *Servo) readRaw(ctx context.Context) (int, error) {
	positions, err := s.read.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("servo %d: read position: %w", s.cal.ID, err)
	}
	raw, ok := positions[s.cal.ID]
	if !ok {
		return 0, fmt.Errorf("servo %d: no position in reply", s.cal.ID)
	}
	return raw, nil
}

// estimator derives velocity from successive position samples.
type estimator struct {
	last     float64
	at       time.Time
	primed   bool
	velocity float64
}

func (e *estimator) observe(pos float64, now time.Time) {
	if e.primed {
		if dt := now.Sub(e.at).Seconds(); dt > 0 {
			e.velocity = (pos - e.last) / dt
		}
	}
	e.last, e.at, e.primed = pos, now, true
}

func (e *estimator) reset(pos float64, now time.Time) {
	e.last, e.at, e.primed = pos, now, true
	e.velocity = 0
}
