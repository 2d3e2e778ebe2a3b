package actuator

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCommand is returned when a command is rejected before
	// reaching hardware. The previous command stays in effect.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnsupported is returned by a Drive that cannot run a mode.
	ErrUnsupported = errors.New("unsupported by drive unit")

	// ErrNoFusion is recorded when the healthy sensors cannot be fused,
	// such as when all of them carry zero weight.
	ErrNoFusion = errors.New("healthy sensors cannot be fused")
)

// Drive is the primary motor controller of an actuator. Closed-loop
// references are executed by the controller's own firmware.
type Drive interface {
	WriteDutyCycle(ctx context.Context, value float64) error
	WriteVoltage(ctx context.Context, volts float64) error
	WriteReference(ctx context.Context, value float64, mode Mode) error
}

// OutputLimiter is implemented by drives that cap their own closed-loop
// output. New calls it once with the configured limits.
type OutputLimiter interface {
	SetOutputLimits(ctx context.Context, min, max float64) error
}

// Follower is a drive unit that mirrors a primary's output through its own
// configuration. Follow is called once when the controller is built.
type Follower interface {
	Follow(ctx context.Context, primary Drive) error
}

// Sensor is a position/velocity sensor in raw units.
type Sensor interface {
	ReadPosition(ctx context.Context) (float64, error)
	ReadVelocity(ctx context.Context) (float64, error)
	ResetPosition(ctx context.Context, value float64) error
}

// Hardware binds a controller to its drive units and sensors. No two
// controllers may share hardware.
type Hardware struct {
	Primary   Drive
	Followers []Follower
	Sensors   []Sensor
}
